package chainhooks

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/log"
)

var logger = log.NewModuleLogger(log.Registry)

// currentSpecVersion is the schema version this binary knows how to decode.
// Older predicate files on disk are skipped rather than rejected outright,
// per §3's "predicate file version migrations" supplement.
const currentSpecVersion = 1

// ErrUnsupportedSpecVersion is returned by DecodeSpecFile for a predicate
// file whose version this binary does not recognize. Callers load predicate
// directories file-by-file and should log+skip on this error rather than
// aborting the whole load.
var ErrUnsupportedSpecVersion = errors.New("chainhooks: unsupported predicate spec version")

// networkMapFile is the on-disk shape of a predicate specification file: one
// name/uuid pair with a per-network body, matching the original
// StacksChainhookSpecificationNetworkMap / BitcoinChainhookSpecificationNetworkMap
// JSON layout so existing predicate files need no migration tool.
type networkMapFile struct {
	UUID    string             `json:"uuid"`
	Owner   *string            `json:"owner_uuid,omitempty"`
	Name    string             `json:"name"`
	Version uint32             `json:"version"`
	Chain   string             `json:"chain"`
	Networks map[string]json.RawMessage `json:"networks"`
}

type networkBody struct {
	StartBlock            *uint64         `json:"start_block,omitempty"`
	EndBlock              *uint64         `json:"end_block,omitempty"`
	Blocks                []uint64        `json:"blocks,omitempty"`
	ExpireAfterOccurrence *uint64         `json:"expire_after_occurrence,omitempty"`
	CaptureAllEvents      bool            `json:"capture_all_events,omitempty"`
	DecodeClarityValues   bool            `json:"decode_clarity_values,omitempty"`
	IncludeContractABI    bool            `json:"include_contract_abi,omitempty"`
	IfThis                json.RawMessage `json:"if_this"`
	ThenThat               json.RawMessage `json:"then_that"`
}

// DecodeSpecFile parses one predicate specification file into one Instance
// per network entry present in it. A file targeting mainnet and testnet at
// once yields two Instances sharing a UUID but distinct Network fields.
func DecodeSpecFile(raw []byte, chain chaintypes.Chain) ([]*Instance, error) {
	var file networkMapFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, "chainhooks: decode predicate file")
	}
	if file.Version != currentSpecVersion {
		return nil, errors.Wrapf(ErrUnsupportedSpecVersion, "file %s version %d", file.Name, file.Version)
	}

	instances := make([]*Instance, 0, len(file.Networks))
	for net, raw := range file.Networks {
		var body networkBody
		if err := json.Unmarshal(raw, &body); err != nil {
			logger.Warn("skipping malformed network body", "uuid", file.UUID, "network", net, "err", err)
			continue
		}

		predicate, err := decodePredicateBody(chain, body.IfThis)
		if err != nil {
			logger.Warn("skipping predicate with undecodable if_this", "uuid", file.UUID, "network", net, "err", err)
			continue
		}
		action, err := decodeAction(body.ThenThat)
		if err != nil {
			logger.Warn("skipping predicate with undecodable then_that", "uuid", file.UUID, "network", net, "err", err)
			continue
		}

		instances = append(instances, &Instance{
			UUID:                  file.UUID,
			Owner:                 file.Owner,
			Name:                  file.Name,
			Version:               file.Version,
			Network:               Network(net),
			Chain:                 chain,
			StartBlock:            body.StartBlock,
			EndBlock:              body.EndBlock,
			Blocks:                body.Blocks,
			ExpireAfterOccurrence: body.ExpireAfterOccurrence,
			CaptureAllEvents:      body.CaptureAllEvents,
			DecodeClarityValues:   body.DecodeClarityValues,
			IncludeContractABI:    body.IncludeContractABI,
			Predicate:             predicate,
			Action:                action,
		})
	}
	return instances, nil
}

func decodePredicateBody(chain chaintypes.Chain, raw json.RawMessage) (PredicateBody, error) {
	var envelope struct {
		Scope string `json:"scope"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}

	switch chain {
	case chaintypes.Stacks:
		return decodeStacksPredicateBody(envelope.Scope, raw)
	case chaintypes.Bitcoin:
		return decodeBitcoinPredicateBody(envelope.Scope, raw)
	default:
		return nil, errors.Errorf("unknown chain %v", chain)
	}
}

func decodeStacksPredicateBody(scope string, raw json.RawMessage) (PredicateBody, error) {
	switch scope {
	case "block_height":
		var v struct {
			BlockHeightRule `json:"block_height"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.BlockHeightRule, nil
	case "contract_deployment":
		var v struct {
			Body ContractDeploymentPredicate `json:"contract_deployment"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	case "contract_call":
		var v struct {
			Body ContractCallPredicate `json:"contract_call"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	case "print_event":
		var v struct {
			Body PrintEventPredicate `json:"print_event"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	case "ft_event":
		var v struct {
			Body FtEventPredicate `json:"ft_event"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	case "nft_event":
		var v struct {
			Body NftEventPredicate `json:"nft_event"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	case "stx_event":
		var v struct {
			Body StxEventPredicate `json:"stx_event"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	case "txid":
		var v struct {
			Body TxidPredicate `json:"txid"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	default:
		return nil, errors.Errorf("unknown stacks predicate scope %q", scope)
	}
}

func decodeBitcoinPredicateBody(scope string, raw json.RawMessage) (PredicateBody, error) {
	switch scope {
	case "outputs":
		var v struct {
			Body BitcoinOutputPredicate `json:"outputs"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	case "inputs":
		var v struct {
			Body BitcoinInputPredicate `json:"inputs"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	case "stacks_protocol":
		var v struct {
			Body BitcoinStacksOpPredicate `json:"stacks_protocol"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	case "ordinals_protocol":
		var v struct {
			Body OrdinalsPredicate `json:"ordinals_protocol"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v.Body, nil
	default:
		return nil, errors.Errorf("unknown bitcoin predicate scope %q", scope)
	}
}

func decodeAction(raw json.RawMessage) (Action, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	if body, ok := envelope["http_post"]; ok {
		var a HTTPPostAction
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, err
		}
		return a, nil
	}
	if body, ok := envelope["file_append"]; ok {
		var a FileAppendAction
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, err
		}
		return a, nil
	}
	if body, ok := envelope["channel"]; ok {
		var a ChannelAction
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, err
		}
		return a, nil
	}
	if body, ok := envelope["kafka"]; ok {
		var a KafkaAction
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, errors.New("chainhooks: then_that has no recognized action key")
}
