package types

// Message is the outbound envelope spec 6 defines: every emitted report
// (wtm.page, wtm.alive, token/key aggregates) is wrapped in one of these
// before it reaches the deduplicating sender and the transport
// collaborator.
type Message struct {
	Action         string
	Payload        any
	Ver            int
	AntiDuplicates uint32
	TS             int64
	Channel        string
	Platform       string
	UserAgent      string

	// DeduplicateBy is the key the persisted-hashes store dedups on. It is
	// message-type-specific: the URL for page messages, a canonical token
	// for request messages.
	DeduplicateBy string
}

// PagePayload is the wtm.page payload body built by the quorum-check
// handler (spec 4.3).
type PagePayload struct {
	URL      string      `json:"url"`
	Title    string      `json:"t"`
	Ref      string      `json:"ref,omitempty"`
	Redirect []Redirect  `json:"red,omitempty"`
	Lang     string      `json:"lang,omitempty"`
	Country  string      `json:"ctry"`
	Activity string      `json:"activity"`
	Search   *SearchMeta `json:"qr,omitempty"`
}
