// Package country implements the country provider collaborator of spec 4.8:
// a low-frequency background fetch of a sanitized, allow-listed country
// code, consumed by the page pipeline's quorum-check step as the `ctry`
// field of every `wtm.page` message.
//
// Grounded on the teacher's internal/services/llm/gemini_retry.go retry-
// config shape (named constants for initial/max backoff and a multiplier)
// generalized to spec 4.8's jitter/clamp rule, since no teacher file does a
// single long-period background refresh of an external value.
package country

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
	"github.com/whotracksme/webextension-packages-sub000/internal/transport"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

const countryStoreKey = "country|info"

// SuccessIntervalMin/Max bound the uniform(22h,26h) next-attempt window
// after a successful fetch (spec 4.8).
const (
	SuccessIntervalMin = 22 * time.Hour
	SuccessIntervalMax = 26 * time.Hour
)

// BackoffUnit is the per-failed-attempt average backoff (spec 4.8:
// avg = failedAttempts*30s).
const BackoffUnit = 30 * time.Second

// BackoffMin/Max clamp the computed backoff average (spec 4.8: [3s, 3d]).
const (
	BackoffMin = 3 * time.Second
	BackoffMax = 3 * 24 * time.Hour
)

const maxCountryCodeLength = 4

// UnknownCountry is the sanitized value for a country not in the allow list.
const UnknownCountry = "--"

// defaultAllowList is the set of ISO 3166-1 alpha-2 codes the page pipeline
// is willing to report; anything else sanitizes to UnknownCountry.
var defaultAllowList = buildDefaultAllowList()

func buildDefaultAllowList() map[string]bool {
	codes := strings.Fields(
		"AD AE AF AG AI AL AM AO AQ AR AS AT AU AW AX AZ BA BB BD BE BF BG BH BI " +
			"BJ BL BM BN BO BQ BR BS BT BV BW BY BZ CA CC CD CF CG CH CI CK CL CM " +
			"CN CO CR CU CV CW CX CY CZ DE DJ DK DM DO DZ EC EE EG EH ER ES ET FI " +
			"FJ FK FM FO FR GA GB GD GE GF GG GH GI GL GM GN GP GQ GR GS GT GU GW " +
			"GY HK HM HN HR HT HU ID IE IL IM IN IO IQ IR IS IT JE JM JO JP KE KG " +
			"KH KI KM KN KP KR KW KY KZ LA LB LC LI LK LR LS LT LU LV LY MA MC MD " +
			"ME MF MG MH MK ML MM MN MO MP MQ MR MS MT MU MV MW MX MY MZ NA NC NE " +
			"NF NG NI NL NO NP NR NU NZ OM PA PE PF PG PH PK PL PM PN PR PS PT PW " +
			"PY QA RE RO RS RU RW SA SB SC SD SE SG SH SI SJ SK SL SM SN SO SR SS " +
			"ST SV SX SY SZ TC TD TF TG TH TJ TK TL TM TN TO TR TT TV TW TZ UA UG " +
			"UM US UY UZ VA VC VE VG VI VN VU WF WS YE YT ZA ZM ZW",
	)
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// Provider fetches a sanitized country code on a long-period background
// schedule, implementing pagepipeline.CountryProvider.
type Provider struct {
	store     storage.KVStore
	transport transport.Transport
	logger    arbor.ILogger
	configURL string
	allowList map[string]bool

	clock func() time.Time
	rand  func() float64

	mu   sync.Mutex
	info types.CountryInfo
}

// NewProvider creates a Provider. allowList is optional; nil selects
// defaultAllowList.
func NewProvider(store storage.KVStore, tr transport.Transport, logger arbor.ILogger, configURL string, allowList map[string]bool) *Provider {
	if allowList == nil {
		allowList = defaultAllowList
	}
	return &Provider{
		store:     store,
		transport: tr,
		logger:    logger,
		configURL: configURL,
		allowList: allowList,
		clock:     time.Now,
		rand:      rand.Float64,
		info:      types.CountryInfo{SafeCtry: UnknownCountry},
	}
}

// Load reads the persisted country info, if any.
func (p *Provider) Load(ctx context.Context) error {
	data, found, err := p.store.Get(ctx, countryStoreKey)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Unmarshal(data, &p.info)
}

// SafeCountry returns the last sanitized country code, UnknownCountry if
// none has ever been fetched.
func (p *Provider) SafeCountry() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.info.SafeCtry == "" {
		return UnknownCountry
	}
	return p.info.SafeCtry
}

// RefreshIfDue fetches a fresh country code if skipAttemptsUntil has
// passed, updating the persisted schedule in either direction.
func (p *Provider) RefreshIfDue(ctx context.Context) error {
	p.mu.Lock()
	due := p.clock().After(p.info.SkipAttemptsUntil) || p.info.SkipAttemptsUntil.IsZero()
	p.mu.Unlock()
	if !due {
		return nil
	}
	return p.refresh(ctx)
}

func (p *Provider) refresh(ctx context.Context) error {
	result, err := p.transport.SendInstant(ctx, "GET", p.configURL)
	if err != nil || !result.OK {
		return p.recordFailure(ctx)
	}

	var payload struct {
		Location string `json:"location"`
	}
	if err := result.JSON(&payload); err != nil {
		return p.recordFailure(ctx)
	}
	return p.recordSuccess(ctx, payload.Location)
}

func (p *Provider) recordSuccess(ctx context.Context, location string) error {
	safe := UnknownCountry
	if p.validCountryCode(location) && p.allowList[strings.ToUpper(location)] {
		safe = strings.ToUpper(location)
	}

	now := p.clock()
	next := now.Add(p.jitteredDuration(SuccessIntervalMin, SuccessIntervalMax))

	p.mu.Lock()
	p.info.UnsafeCtryFromAPI = location
	p.info.SafeCtry = safe
	p.info.LastSuccessAt = now
	p.info.LastAttemptAt = now
	p.info.SkipAttemptsUntil = next
	p.info.FailedAttemptsInARow = 0
	p.mu.Unlock()

	return p.persist(ctx)
}

func (p *Provider) recordFailure(ctx context.Context) error {
	now := p.clock()

	p.mu.Lock()
	p.info.FailedAttemptsInARow++
	attempts := p.info.FailedAttemptsInARow
	p.info.LastAttemptAt = now
	p.mu.Unlock()

	avg := time.Duration(attempts) * BackoffUnit
	if avg < BackoffMin {
		avg = BackoffMin
	}
	if avg > BackoffMax {
		avg = BackoffMax
	}
	backoff := p.jitteredDuration(avg/2, avg+avg/2)
	if backoff < BackoffMin {
		backoff = BackoffMin
	}
	if backoff > BackoffMax {
		backoff = BackoffMax
	}

	p.mu.Lock()
	p.info.SkipAttemptsUntil = now.Add(backoff)
	p.mu.Unlock()

	if err := p.validateSkipUntil(now, now.Add(backoff)); err != nil {
		p.logger.Warn().Err(err).Msg("country provider computed an implausible retry time, clamping")
		p.mu.Lock()
		p.info.SkipAttemptsUntil = now.Add(BackoffMax)
		p.mu.Unlock()
	}

	return p.persist(ctx)
}

func (p *Provider) validCountryCode(code string) bool {
	return len(code) > 0 && len(code) <= maxCountryCodeLength
}

// validateSkipUntil rejects a skipAttemptsUntil more than 5 minutes in the
// future relative to what BackoffMax would allow, or more than 90 days
// away in either direction (spec 4.8).
func (p *Provider) validateSkipUntil(now, skipUntil time.Time) error {
	delta := skipUntil.Sub(now)
	if delta > BackoffMax+5*time.Minute {
		return errImplausibleSkip
	}
	if delta < -90*24*time.Hour || delta > 90*24*time.Hour {
		return errImplausibleSkip
	}
	return nil
}

func (p *Provider) jitteredDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := float64(max - min)
	return min + time.Duration(p.rand()*span)
}

func (p *Provider) persist(ctx context.Context) error {
	p.mu.Lock()
	data, err := json.Marshal(p.info)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.store.Set(ctx, countryStoreKey, data)
}

var errImplausibleSkip = &implausibleSkipError{}

type implausibleSkipError struct{}

func (e *implausibleSkipError) Error() string {
	return "country provider: implausible skipAttemptsUntil"
}
