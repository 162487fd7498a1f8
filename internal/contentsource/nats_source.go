// Package contentsource provides the read-only accessor for the external
// content domain. Items are owned by another service; this package fetches
// them over NATS request/reply, one request per grouping id.
package contentsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zhuiye8/narration-service/internal/core"
)

// ErrGroupingIDEmpty indicates a lookup without a grouping id.
var ErrGroupingIDEmpty = errors.New("grouping id cannot be empty")

// itemsReply is the content domain's response envelope. Items arrive in
// narration order; the order is preserved end to end.
type itemsReply struct {
	Items []core.NarrationItem `json:"items"`
	Error string               `json:"error,omitempty"`
}

// NATSSource fetches NarrationItems from the content domain over NATS.
// The request subject is <subjectPrefix>.<groupingID> with an empty body;
// the reply is an itemsReply JSON document.
type NATSSource struct {
	conn          *nats.Conn
	subjectPrefix string
	timeout       time.Duration
}

// NewNATSSource creates a content source requesting on the given subject
// prefix.
func NewNATSSource(conn *nats.Conn, subjectPrefix string, timeout time.Duration) *NATSSource {
	return &NATSSource{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		timeout:       timeout,
	}
}

// ItemsForGrouping returns the ordered items of one grouping.
func (s *NATSSource) ItemsForGrouping(
	ctx context.Context,
	groupingID string,
) ([]core.NarrationItem, error) {
	if groupingID == "" {
		return nil, ErrGroupingIDEmpty
	}

	subject := s.subjectPrefix + "." + groupingID

	requestCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	replyMsg, err := s.conn.RequestWithContext(requestCtx, subject, nil)
	if err != nil {
		return nil, fmt.Errorf("content request on %s failed: %w", subject, err)
	}

	var reply itemsReply

	unmarshalErr := json.Unmarshal(replyMsg.Data, &reply)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal content reply: %w", unmarshalErr)
	}

	if reply.Error != "" {
		return nil, fmt.Errorf("content domain rejected grouping %s: %s", groupingID, reply.Error)
	}

	return reply.Items, nil
}
