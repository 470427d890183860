package interpreter

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Wire field names of the Execute request and response structs
const (
	fieldSession     = "session"
	fieldNoteID      = "note_id"
	fieldParagraphID = "paragraph_id"
	fieldPayload     = "payload"
	fieldStatus      = "status"
	fieldOutput      = "output"
)

func encodeRequest(req *Request) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		fieldSession:     req.Session,
		fieldNoteID:      req.NoteID,
		fieldParagraphID: req.ParagraphID,
		fieldPayload:     req.Payload,
	})
}

func decodeRequest(s *structpb.Struct) *Request {
	fields := s.GetFields()
	return &Request{
		Session:     fields[fieldSession].GetStringValue(),
		NoteID:      fields[fieldNoteID].GetStringValue(),
		ParagraphID: fields[fieldParagraphID].GetStringValue(),
		Payload:     fields[fieldPayload].GetStringValue(),
	}
}

func encodeResult(res *Result) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		fieldStatus: string(res.Status),
		fieldOutput: res.Output,
	})
}

func decodeResult(s *structpb.Struct) (*Result, error) {
	fields := s.GetFields()
	status, err := ParseStatus(fields[fieldStatus].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &Result{
		Status: status,
		Output: fields[fieldOutput].GetStringValue(),
	}, nil
}
