package httpapi

import (
	"encoding/json"
	"net/http"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts a JSON view into a protobuf Struct carrying the same
// field names, so both encodings of a response agree.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// respond writes v as JSON, or as a protobuf Struct when the client asked
// for protobuf.
func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if !wantsProtobuf(r) {
		writeJSON(w, status, v)
		return
	}
	msg, err := toStruct(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode_error", "could not encode response")
		return
	}
	writeProto(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
