package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
)

// frameDelimiter terminates every frame in both directions.
// encoding/json escapes newlines inside strings, so it never appears in a payload.
const frameDelimiter = '\n'

// Encode serializes a request into one newline-terminated frame.
// A nil Params is sent as an empty object.
func Encode(req Request) ([]byte, error) {
	if req.Method == "" {
		return nil, cxerrors.ValidationError("method is required", nil)
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, cxerrors.ValidationError(fmt.Sprintf("cannot encode %s params", req.Method), err)
	}
	return append(data, frameDelimiter), nil
}

// ExtractFrames splits buf at frame delimiters. It returns every complete
// frame (without the delimiter, blank lines skipped) and the trailing partial
// data that must be kept for the next read. Returned slices alias buf.
func ExtractFrames(buf []byte) (frames [][]byte, rest []byte) {
	for {
		i := bytes.IndexByte(buf, frameDelimiter)
		if i < 0 {
			return frames, buf
		}
		frame := bytes.TrimRight(buf[:i], "\r")
		if len(bytes.TrimSpace(frame)) > 0 {
			frames = append(frames, frame)
		}
		buf = buf[i+1:]
	}
}

// envelopeKeys are the top-level response fields decoded into Response itself.
var envelopeKeys = map[string]bool{
	"id":      true,
	"status":  true,
	"data":    true,
	"message": true,
	"source":  true,
}

// Decode parses one complete frame. It fails with MalformedResponse when the
// frame is not a JSON object or has no usable status.
func Decode(frame []byte) (*Response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, cxerrors.MalformedResponse("response is not a JSON object", err)
	}

	rawStatus, ok := fields["status"]
	if !ok {
		return nil, cxerrors.MalformedResponse("response has no status field", nil)
	}

	var resp Response
	if err := json.Unmarshal(rawStatus, &resp.Status); err != nil {
		return nil, cxerrors.MalformedResponse("response status is not a string", err)
	}
	switch resp.Status {
	case StatusOK, StatusError:
	case statusSuccess:
		resp.Status = StatusOK
	default:
		return nil, cxerrors.MalformedResponse(fmt.Sprintf("unknown response status %q", resp.Status), nil)
	}

	if raw, ok := fields["id"]; ok {
		if err := decodeID(raw, &resp.ID); err != nil {
			return nil, cxerrors.MalformedResponse("response id is neither string nor number", err)
		}
	}
	if raw, ok := fields["data"]; ok {
		resp.Data = raw
	}
	if raw, ok := fields["message"]; ok {
		// A non-string message is tolerated; it carries no information we need.
		_ = json.Unmarshal(raw, &resp.Message)
	}
	if raw, ok := fields["source"]; ok {
		_ = json.Unmarshal(raw, &resp.Source)
	}

	for k, v := range fields {
		if envelopeKeys[k] {
			continue
		}
		if resp.Extra == nil {
			resp.Extra = make(map[string]json.RawMessage)
		}
		resp.Extra[k] = v
	}

	return &resp, nil
}

// decodeID accepts string ids and numeric ids, and treats null as absent.
func decodeID(raw json.RawMessage, id *string) error {
	if string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, id); err == nil {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	*id = n.String()
	return nil
}
