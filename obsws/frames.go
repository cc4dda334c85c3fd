// Package obsws implements a client for the OBS WebSocket control protocol:
// the Hello/Identify handshake (including challenge/salt authentication),
// request/response correlation over the async channel, and event dispatch.
// It owns the single live connection and the mirror-model mutation paths.
package obsws

import "encoding/json"

// Protocol opcodes. Frames with opcodes outside this set are ignored for
// forward compatibility; they must not fail the connection.
const (
	// OpEvent is an asynchronous server push with no correlation id.
	OpEvent = 0
	// OpHello is the server greeting; it may carry an authentication challenge.
	// The client answers on the same opcode with an Identify frame.
	OpHello = 1
	// OpIdentify is the client's handshake reply (shares the opcode with Hello).
	OpIdentify = 1
	// OpIdentified acknowledges the handshake; the session is usable.
	OpIdentified = 2
	// OpRequest is a client command carrying a caller-chosen requestId.
	OpRequest = 6
	// OpRequestResponse carries the original requestId plus a result or error.
	OpRequestResponse = 7
)

// Request types issued by the bridge.
const (
	RequestGetSceneList           = "GetSceneList"
	RequestGetSceneItemList       = "GetSceneItemList"
	RequestSetCurrentProgramScene = "SetCurrentProgramScene"
	RequestSetSceneItemEnabled    = "SetSceneItemEnabled"
	RequestStartStream            = "StartStream"
	RequestStopStream             = "StopStream"
)

// Event types consumed by the bridge.
const (
	EventCurrentProgramSceneChanged = "CurrentProgramSceneChanged"
	EventStreamStateChanged         = "StreamStateChanged"
	EventSceneItemVisibilityChanged = "SceneItemVisibilityChanged"
)

// envelope is the outer shape of every frame: an opcode discriminator and
// an opcode-specific payload. Op is a pointer so a missing discriminator is
// distinguishable from opcode 0.
type envelope struct {
	Op *int            `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// helloPayload is the server greeting.
type helloPayload struct {
	OBSWebSocketVersion string         `json:"obsWebSocketVersion"`
	RPCVersion          int            `json:"rpcVersion"`
	Authentication      *authChallenge `json:"authentication,omitempty"`
}

// authChallenge is present in Hello when the server requires credentials.
type authChallenge struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

// identifyPayload is the client handshake reply.
type identifyPayload struct {
	RPCVersion     int    `json:"rpcVersion"`
	Authentication string `json:"authentication,omitempty"`
}

// identifiedPayload acknowledges the handshake.
type identifiedPayload struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

// requestPayload is a client command frame body.
type requestPayload struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

// responseStatus is the typed success/error result carried by a response.
type responseStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

// responsePayload is a server reply correlated by requestId.
type responsePayload struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus *responseStatus `json:"requestStatus,omitempty"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// eventPayload extracts the dispatch key from an event frame. The full raw
// payload is handed to handlers so event-specific fields stay available
// whether the server nests them under eventData or inlines them.
type eventPayload struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

// EventData returns the event-specific fields of a raw event payload:
// the nested eventData object if present, otherwise the payload itself.
func EventData(raw json.RawMessage) json.RawMessage {
	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return raw
	}
	if len(p.EventData) > 0 {
		return p.EventData
	}
	return raw
}

// SceneListResponse is the decoded body of a GetSceneList response.
type SceneListResponse struct {
	CurrentProgramSceneName string `json:"currentProgramSceneName"`
	Scenes                  []struct {
		SceneName string `json:"sceneName"`
	} `json:"scenes"`
}

// SceneItemListResponse is the decoded body of a GetSceneItemList response.
type SceneItemListResponse struct {
	SceneItems []struct {
		SceneItemID      int    `json:"sceneItemId"`
		SourceName       string `json:"sourceName"`
		InputKind        string `json:"inputKind"`
		SceneItemEnabled bool   `json:"sceneItemEnabled"`
	} `json:"sceneItems"`
}
