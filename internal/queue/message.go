package queue

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/OFFIS-RIT/graphport/pkg/load"
)

var ErrInvalidMessage = errors.New("invalid load request")

// LoadRequest asks a worker to load one or more extraction runs into its
// target. Runs are looked up in the worker's run directory first and fetched
// from the archive when missing.
type LoadRequest struct {
	RunIDs []string `msgpack:"run_ids"`
	// Target, when set, must name the worker's target.
	Target      string `msgpack:"target,omitempty"`
	RequestedBy string `msgpack:"requested_by,omitempty"`
}

// LoadReport is published after every load attempt.
type LoadReport struct {
	RunIDs  []string    `msgpack:"run_ids"`
	Attempt int         `msgpack:"attempt"`
	Result  load.Result `msgpack:"result"`
}

func EncodeLoadRequest(req LoadRequest) ([]byte, error) {
	if len(req.RunIDs) == 0 {
		return nil, fmt.Errorf("%w: no run ids", ErrInvalidMessage)
	}
	return msgpack.Marshal(req)
}

func DecodeLoadRequest(body []byte) (LoadRequest, error) {
	var req LoadRequest
	if err := msgpack.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(req.RunIDs) == 0 {
		return req, fmt.Errorf("%w: no run ids", ErrInvalidMessage)
	}
	return req, nil
}

// PublishLoadRequest queues req on LoadQueue.
func PublishLoadRequest(ch Channel, req LoadRequest) error {
	data, err := EncodeLoadRequest(req)
	if err != nil {
		return err
	}
	return PublishFIFO(ch, LoadQueue, data, nil)
}

// PublishReport publishes rep on ReportExchange with the routing key
// "load.<state>".
func PublishReport(ch Channel, rep LoadReport) error {
	data, err := msgpack.Marshal(rep)
	if err != nil {
		return err
	}
	return PublishTopic(ch, "load."+string(rep.Result.State), data)
}
