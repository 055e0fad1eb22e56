// Package builtin provides the in-process tool handlers every agent gets:
// call transfer and knowledge-base search, plus the order-status lookup that
// is registered only when an agent's config references it.
package builtin

import (
	"context"
	"fmt"

	"github.com/aivalabs/aiva-bridge/internal/executor"
	"github.com/aivalabs/aiva-bridge/internal/mgmt"
	"github.com/aivalabs/aiva-bridge/internal/sidechannel"
)

// Built-in function names as the model calls them.
const (
	NameTransfer         = "transfer_to_agent"
	NameSearchKnowledge  = "search_knowledge"
	NameCheckOrderStatus = "check_order_status"
)

// defaultKnowledgeTopK applies when the model omits top_k.
const defaultKnowledgeTopK = 5

// TransferPublisher is the slice of the side-channel store the transfer
// handler needs.
type TransferPublisher interface {
	PublishTransfer(ctx context.Context, port int, req sidechannel.TransferRequest) error
}

// KnowledgeSearcher is the slice of the management client the knowledge
// handler needs.
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, kbID, query string, topK int) (*mgmt.KnowledgeResult, error)
}

// Transfer returns the transfer_to_agent handler. It publishes a transfer
// request for the PBX and returns a spoken confirmation for the model. It
// deliberately does not close the connection: the PBX ends the call by
// dropping the RTP session.
func Transfer(store TransferPublisher) executor.Handler {
	return func(ctx context.Context, args map[string]any, cc executor.Context) executor.Result {
		queue, _ := args["queue_name"].(string)
		if queue == "" {
			return executor.Result{Error: "queue_name is required"}
		}
		reason, _ := args["reason"].(string)

		err := store.PublishTransfer(ctx, cc.PBXPort, sidechannel.TransferRequest{
			SessionID: cc.SessionID,
			QueueName: queue,
			Reason:    reason,
		})
		if err != nil {
			return executor.Result{Error: fmt.Sprintf("publish transfer: %v", err)}
		}
		return executor.Result{
			Data:   map[string]any{"success": true, "queue": queue},
			Spoken: fmt.Sprintf("Transferring you to the %s queue now", queue),
		}
	}
}

// SearchKnowledge returns the search_knowledge handler. The knowledge base
// id comes from the call context; agents without one get an error result the
// model can recover from.
func SearchKnowledge(client KnowledgeSearcher) executor.Handler {
	return func(ctx context.Context, args map[string]any, cc executor.Context) executor.Result {
		query, _ := args["query"].(string)
		if query == "" {
			return executor.Result{Error: "query is required"}
		}
		if cc.KnowledgeBaseID == "" {
			return executor.Result{Error: "agent has no knowledge base configured"}
		}

		topK := defaultKnowledgeTopK
		if v, ok := args["top_k"].(float64); ok && v >= 1 {
			topK = int(v)
		}
		if topK > mgmt.MaxKnowledgeTopK {
			topK = mgmt.MaxKnowledgeTopK
		}

		res, err := client.SearchKnowledge(ctx, cc.KnowledgeBaseID, query, topK)
		if err != nil {
			return executor.Result{Error: fmt.Sprintf("knowledge search: %v", err)}
		}
		return executor.Result{Data: res}
	}
}

// CheckOrderStatus returns the check_order_status handler built from the
// agent's function spec, which names the external lookup endpoint. The
// handler validates the order id before hitting the endpoint.
func CheckOrderStatus(spec mgmt.FunctionSpec) executor.Handler {
	lookup := executor.NewHTTPHandler(spec)
	return func(ctx context.Context, args map[string]any, cc executor.Context) executor.Result {
		orderID, _ := args["order_id"].(string)
		if orderID == "" {
			return executor.Result{Error: "order_id is required"}
		}
		return lookup(ctx, args, cc)
	}
}
