// Package observer implements the Action Dispatcher (C7) and the Observer
// Core (C8): the consumer side of the pipeline that turns a matched
// predicate into a delivered occurrence, and the single-goroutine command
// loop that owns the registries, fork pads and block stores driving it.
package observer

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chainhooks/evaluator"
	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/log"
)

var logger = log.NewModuleLogger(log.Dispatcher)

// httpRetryBackoff is the "1-unit backoff" between HTTP batch-send retries
// named in §4.8 step 7.
const httpRetryBackoff = 1 * time.Second

// maxHTTPAttempts bounds one webhook delivery: the first send plus the 3
// retries the "3 retries" rule allows.
const maxHTTPAttempts = 4

// BuildOccurrence assembles C7's Occurrence payload from one predicate
// match, applying decode_clarity_values and include_contract_abi to the
// matched transactions. isStreaming distinguishes a live-streamed match
// from one produced by the Historical Scanner's replay (§4.7).
func BuildOccurrence(m evaluator.Match, isStreaming bool) chainhooks.Occurrence {
	return chainhooks.Occurrence{
		ChainhookUUID:     m.Instance.UUID,
		Apply:             blockHits(m.Instance, m.Apply),
		Rollback:          blockHits(m.Instance, m.Rollback),
		IsStreamingBlocks: isStreaming,
	}
}

func blockHits(inst *chainhooks.Instance, blocks []chaintypes.Block) []chainhooks.BlockHit {
	hits := make([]chainhooks.BlockHit, 0, len(blocks))
	for _, b := range blocks {
		hits = append(hits, chainhooks.BlockHit{
			BlockIdentifier:       b.ID,
			ParentBlockIdentifier: b.ParentID,
			Timestamp:             b.Timestamp,
			Transactions:          decorateTransactions(inst, b.Transactions),
			Metadata:              b.Metadata,
		})
	}
	return hits
}

// decorateTransactions applies the two occurrence-shaping predicate flags.
// HexValue is rewritten only when decode_clarity_values is set, so without
// it every event keeps its original hex_value (P3). ABI is kept only on
// contract deployments and only when include_contract_abi is set; it is
// cleared on every other transaction.
func decorateTransactions(inst *chainhooks.Instance, txs []chaintypes.Transaction) []chaintypes.Transaction {
	out := make([]chaintypes.Transaction, len(txs))
	copy(out, txs)
	for i := range out {
		if inst.DecodeClarityValues {
			out[i].Events = decodeClarityEvents(out[i].Events)
		}
		if !(inst.IncludeContractABI && out[i].Kind == chaintypes.KindContractDeployment) {
			out[i].ABI = nil
		}
	}
	return out
}

// decodeClarityEvents replaces each smart-contract event's hex_value with
// its already-decoded logical form, the Value field the Block Normalizer
// (C3) populates alongside HexValue from the same wire payload.
func decodeClarityEvents(events []chaintypes.Event) []chaintypes.Event {
	out := make([]chaintypes.Event, len(events))
	copy(out, events)
	for i := range out {
		if out[i].Kind == chaintypes.EventSmartContract && out[i].Value != "" {
			out[i].HexValue = out[i].Value
		}
	}
	return out
}

// Dispatcher delivers one Occurrence to the Action target a predicate
// names (§4.7). Grounded on the teacher's common.Repository/EventBroker
// interface pair generalized to a single type-switching method, the way
// event/kafka/kafka.go switches on chaindatafetcher's request kind.
type Dispatcher struct {
	httpClient *fasthttp.Client

	fileMu      sync.Mutex
	fileHandles map[string]*os.File

	chanMu   sync.RWMutex
	channels map[string]chan<- chainhooks.Occurrence

	kafkaMu       sync.Mutex
	kafkaProducer sarama.SyncProducer
}

// NewDispatcher returns a Dispatcher with no channel targets registered and
// no Kafka producer yet dialed (dialed lazily on first KafkaAction use).
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		httpClient:  &fasthttp.Client{},
		fileHandles: make(map[string]*os.File),
		channels:    make(map[string]chan<- chainhooks.Occurrence),
	}
}

// RegisterChannel binds a ChannelAction's name to an in-process delivery
// channel, for predicates registered by code in the same process (tests,
// embedders).
func (d *Dispatcher) RegisterChannel(name string, ch chan<- chainhooks.Occurrence) {
	d.chanMu.Lock()
	defer d.chanMu.Unlock()
	d.channels[name] = ch
}

// Dispatch delivers occ through inst.Action. For HTTPPostAction it returns
// a built, not-yet-sent *fasthttp.Request: the dispatcher does not itself
// block on the network (§4.7), batching and sending is the Observer Core's
// job via SendHTTP. Every other target is synchronous and returns a nil
// request.
func (d *Dispatcher) Dispatch(inst *chainhooks.Instance, occ chainhooks.Occurrence) (*fasthttp.Request, error) {
	switch a := inst.Action.(type) {
	case chainhooks.HTTPPostAction:
		return d.buildHTTPRequest(a, occ)
	case chainhooks.FileAppendAction:
		return nil, d.appendFile(a, occ)
	case chainhooks.ChannelAction:
		return nil, d.sendChannel(a, occ)
	case chainhooks.KafkaAction:
		return nil, d.publishKafka(a, occ)
	default:
		return nil, errors.Errorf("observer: unsupported action type %T", inst.Action)
	}
}

func (d *Dispatcher) buildHTTPRequest(a chainhooks.HTTPPostAction, occ chainhooks.Occurrence) (*fasthttp.Request, error) {
	body, err := marshalOccurrence(occ)
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	req.Header.SetMethod("POST")
	req.Header.SetContentType("application/json")
	if a.AuthHeader != "" {
		req.Header.Set("Authorization", a.AuthHeader)
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	req.SetRequestURI(a.URL)
	req.SetBody(body)
	return req, nil
}

// SendHTTP performs the batched POST with up to maxHTTPAttempts attempts
// and httpRetryBackoff between them, the §4.8 step-7 batch-send contract.
// It always releases req, whether or not the send ultimately succeeds.
func (d *Dispatcher) SendHTTP(req *fasthttp.Request) error {
	defer fasthttp.ReleaseRequest(req)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	var lastErr error
	for attempt := 1; attempt <= maxHTTPAttempts; attempt++ {
		err := d.httpClient.Do(req, resp)
		if err == nil && resp.StatusCode() >= 200 && resp.StatusCode() < 300 {
			return nil
		}
		if err == nil {
			err = errors.Errorf("observer: webhook returned status %d", resp.StatusCode())
		}
		lastErr = err
		logger.Warn("http dispatch attempt failed", "attempt", attempt, "err", err)
		if attempt < maxHTTPAttempts {
			time.Sleep(httpRetryBackoff)
		}
	}
	return lastErr
}

func (d *Dispatcher) appendFile(a chainhooks.FileAppendAction, occ chainhooks.Occurrence) error {
	body, err := marshalOccurrence(occ)
	if err != nil {
		return err
	}

	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	f, ok := d.fileHandles[a.Path]
	if !ok {
		opened, openErr := os.OpenFile(a.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if openErr != nil {
			return errors.Wrap(openErr, "observer: open file target")
		}
		d.fileHandles[a.Path] = opened
		f = opened
	}

	if _, err := f.Write(append(body, '\n')); err != nil {
		return errors.Wrap(err, "observer: append file target")
	}
	return nil
}

func (d *Dispatcher) sendChannel(a chainhooks.ChannelAction, occ chainhooks.Occurrence) error {
	d.chanMu.RLock()
	ch, ok := d.channels[a.Name]
	d.chanMu.RUnlock()
	if !ok {
		return errors.Errorf("observer: no channel registered for %q", a.Name)
	}
	select {
	case ch <- occ:
		return nil
	default:
		return errors.Errorf("observer: channel %q is full", a.Name)
	}
}

func (d *Dispatcher) publishKafka(a chainhooks.KafkaAction, occ chainhooks.Occurrence) error {
	body, err := marshalOccurrence(occ)
	if err != nil {
		return err
	}

	producer, err := d.kafkaProducerFor(a.Brokers)
	if err != nil {
		return err
	}

	_, _, err = producer.SendMessage(&sarama.ProducerMessage{
		Topic: a.Topic,
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return errors.Wrap(err, "observer: publish kafka occurrence")
	}
	return nil
}

func (d *Dispatcher) kafkaProducerFor(brokers []string) (sarama.SyncProducer, error) {
	d.kafkaMu.Lock()
	defer d.kafkaMu.Unlock()
	if d.kafkaProducer != nil {
		return d.kafkaProducer, nil
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, errors.Wrap(err, "observer: new kafka producer")
	}
	d.kafkaProducer = producer
	return producer, nil
}

// Close releases every open file handle and Kafka producer the dispatcher
// has accumulated.
func (d *Dispatcher) Close() error {
	d.fileMu.Lock()
	for _, f := range d.fileHandles {
		_ = f.Close()
	}
	d.fileMu.Unlock()

	d.kafkaMu.Lock()
	defer d.kafkaMu.Unlock()
	if d.kafkaProducer != nil {
		return d.kafkaProducer.Close()
	}
	return nil
}

func marshalOccurrence(occ chainhooks.Occurrence) ([]byte, error) {
	body, err := json.Marshal(occ)
	if err != nil {
		return nil, errors.Wrap(err, "observer: marshal occurrence")
	}
	return body, nil
}
