package rpccontract

const (
	ServiceName = "agentdispatch.v1.AgentDispatch"

	// EventCollectorServiceName is the remote service run events are published to.
	EventCollectorServiceName = "agentdispatch.v1.EventCollector"
)

const (
	MethodGetHealth  = "/" + ServiceName + "/GetHealth"
	MethodListModels = "/" + ServiceName + "/ListModels"
	MethodRunAgent   = "/" + ServiceName + "/RunAgent"
	MethodStreamRun  = "/" + ServiceName + "/StreamRun"
	MethodGetRun     = "/" + ServiceName + "/GetRun"
	MethodListRuns   = "/" + ServiceName + "/ListRuns"

	MethodPublishEvent = "/" + EventCollectorServiceName + "/PublishEvent"
)

// WriteMethods spend provider credits and require the auth token.
var WriteMethods = map[string]struct{}{
	MethodRunAgent:  {},
	MethodStreamRun: {},
}

// TokenHeader carries the shared token on incoming and outgoing calls.
const TokenHeader = "x-agentdispatch-token"
