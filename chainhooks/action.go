package chainhooks

import "github.com/stacks-network/chainhook/chaintypes"

// Action is implemented by every "then_that" target variant (C7 dispatch
// targets). A type switch in the dispatcher replaces a vtable, matching
// PredicateBody's dispatch style.
type Action interface {
	isAction()
}

// HTTPPostAction posts the occurrence payload to a webhook URL.
type HTTPPostAction struct {
	URL         string            `json:"url"`
	AuthHeader  string            `json:"authorization_header,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func (HTTPPostAction) isAction() {}

// FileAppendAction appends the occurrence payload as a line to a local file.
type FileAppendAction struct {
	Path string `json:"path"`
}

func (FileAppendAction) isAction() {}

// ChannelAction delivers the occurrence over an in-process Go channel,
// for predicates registered by code running in the same process (tests,
// embedders) rather than over HTTP.
type ChannelAction struct {
	Name string `json:"channel"`
}

func (ChannelAction) isAction() {}

// KafkaAction publishes the occurrence to a Kafka topic, the domain-stack
// extension of the dispatcher grounded on the teacher's event/kafka package.
type KafkaAction struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

func (KafkaAction) isAction() {}

// Occurrence is the payload handed to an Action target on a predicate match:
// the triggering blocks plus enough predicate metadata for the receiver to
// tell occurrences from different chainhooks apart (§4.7).
type Occurrence struct {
	ChainhookUUID     string     `json:"chainhook_uuid"`
	Apply             []BlockHit `json:"apply"`
	Rollback          []BlockHit `json:"rollback,omitempty"`
	IsStreamingBlocks bool       `json:"is_streaming_blocks"`
}

// BlockHit is one matched block together with the matched transactions
// within it; it carries the full block only when CaptureAllEvents is set.
type BlockHit struct {
	BlockIdentifier       chaintypes.BlockIdentifier `json:"block_identifier"`
	ParentBlockIdentifier chaintypes.BlockIdentifier `json:"parent_block_identifier"`
	Timestamp             int64                      `json:"timestamp"`
	Transactions          []chaintypes.Transaction   `json:"transactions"`
	Metadata              chaintypes.BlockMetadata   `json:"metadata"`
}
