package ccrelay

import "encoding/json"

// RequestFormatter builds the Cloud Code wire payload for a request.
// Its actual shape translation is out of scope for this module; the
// PassthroughFormatter below stands in for callers who supply their
// own.
type RequestFormatter interface {
	BuildCloudCodeRequest(req MessageRequest, project string) ([]byte, error)
}

// ResponseTranslator maps Cloud Code wire responses back to Anthropic
// message shapes.
type ResponseTranslator interface {
	TranslateResponse(raw *UpstreamResponse) (MessageResponse, error)
	TranslateChunk(raw UpstreamChunk) (StreamEvent, bool, error)
}

// PassthroughFormatter treats MessageRequest as already Cloud
// Code-shaped and marshals it directly, with the resolved project
// identifier attached. It makes the dispatcher usable and testable
// standalone; production callers supply their own formatter that
// performs the real Anthropic-to-Cloud-Code translation.
type PassthroughFormatter struct{}

var _ RequestFormatter = PassthroughFormatter{}

type passthroughPayload struct {
	MessageRequest
	Project string `json:"project,omitempty"`
}

func (PassthroughFormatter) BuildCloudCodeRequest(req MessageRequest, project string) ([]byte, error) {
	return json.Marshal(passthroughPayload{MessageRequest: req, Project: project})
}

// PassthroughTranslator treats the Cloud Code JSON body as already
// Anthropic-shaped.
type PassthroughTranslator struct{}

var _ ResponseTranslator = PassthroughTranslator{}

func (PassthroughTranslator) TranslateResponse(raw *UpstreamResponse) (MessageResponse, error) {
	var resp MessageResponse
	if err := json.Unmarshal(raw.Raw, &resp); err != nil {
		return MessageResponse{}, err
	}
	resp.Usage = raw.Usage
	return resp, nil
}

func (PassthroughTranslator) TranslateChunk(raw UpstreamChunk) (StreamEvent, bool, error) {
	if raw.Done || len(raw.Raw) == 0 {
		return StreamEvent{}, false, nil
	}
	var ev StreamEvent
	if err := json.Unmarshal(raw.Raw, &ev); err != nil {
		return StreamEvent{}, false, err
	}
	if raw.Usage != nil {
		ev.Usage = raw.Usage
	}
	return ev, true, nil
}
