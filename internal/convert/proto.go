// Package convert maps domain values to and from the protobuf well-known
// messages carried by the devicelock services.
package convert

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
)

// Request keys.
const (
	KeyDeviceID = "deviceId"
	KeyFields   = "fields"
	KeyDate     = "date"
	KeyDocument = "document"
	KeyUpdated  = "updated"
)

// --- device fields ---

// ToProtoFields converts a partial device record into a Struct.
func ToProtoFields(f model.Fields) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any(f))
}

// FromProtoFields validates and normalises a Struct of device fields.
func FromProtoFields(s *structpb.Struct) (model.Fields, error) {
	if s == nil {
		return model.Fields{}, nil
	}
	return model.NormalizeFields(s.AsMap())
}

// --- patch requests (Struct{deviceId, fields}) ---

// ToProtoPatch builds a patch/set request.
func ToProtoPatch(deviceID string, f model.Fields) (*structpb.Struct, error) {
	fs, err := ToProtoFields(f)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		KeyDeviceID: structpb.NewStringValue(deviceID),
		KeyFields:   structpb.NewStructValue(fs),
	}}, nil
}

// FromProtoPatch unpacks a patch/set request.
func FromProtoPatch(s *structpb.Struct) (string, model.Fields, error) {
	id := s.GetFields()[KeyDeviceID].GetStringValue()
	if id == "" {
		return "", nil, errs.Validationf("empty deviceId")
	}
	f, err := FromProtoFields(s.GetFields()[KeyFields].GetStructValue())
	if err != nil {
		return "", nil, err
	}
	delete(f, model.FieldDeviceID)
	return id, f, nil
}

// --- device documents (Struct with deviceId) ---

// ToProtoDevice renders a stored document, stamping its deviceId.
func ToProtoDevice(id string, doc model.Fields) (*structpb.Struct, error) {
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[model.FieldDeviceID] = id
	return structpb.NewStruct(out)
}

// FromProtoDevice reads a document back into fields.
func FromProtoDevice(s *structpb.Struct) (string, model.Fields, error) {
	f, err := FromProtoFields(s)
	if err != nil {
		return "", nil, err
	}
	return f.String(model.FieldDeviceID), f, nil
}

// ToProtoDevices renders a list of documents.
func ToProtoDevices(docs map[string]model.Fields, order []string) (*structpb.ListValue, error) {
	lv := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(order))}
	for _, id := range order {
		s, err := ToProtoDevice(id, docs[id])
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", id, err)
		}
		lv.Values = append(lv.Values, structpb.NewStructValue(s))
	}
	return lv, nil
}

// FromProtoDevices reads a list of documents.
func FromProtoDevices(lv *structpb.ListValue) ([]model.Fields, error) {
	out := make([]model.Fields, 0, len(lv.GetValues()))
	for _, v := range lv.GetValues() {
		_, f, err := FromProtoDevice(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// --- location history ---

// ToProtoHistory builds a PutLocationHistory request.
func ToProtoHistory(deviceID, date string, doc map[string]any) (*structpb.Struct, error) {
	ds, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		KeyDeviceID: structpb.NewStringValue(deviceID),
		KeyDate:     structpb.NewStringValue(date),
		KeyDocument: structpb.NewStructValue(ds),
	}}, nil
}

// FromProtoHistory unpacks a PutLocationHistory request.
func FromProtoHistory(s *structpb.Struct) (deviceID, date string, doc map[string]any, err error) {
	f := s.GetFields()
	deviceID = f[KeyDeviceID].GetStringValue()
	date = f[KeyDate].GetStringValue()
	if deviceID == "" || date == "" {
		return "", "", nil, errs.Validationf("empty deviceId/date")
	}
	ds := f[KeyDocument].GetStructValue()
	if ds == nil {
		return "", "", nil, errs.Validationf("empty document")
	}
	return deviceID, date, ds.AsMap(), nil
}

// ToProtoHistoryList renders per-date documents.
func ToProtoHistoryList(docs []map[string]any) (*structpb.ListValue, error) {
	vals := make([]any, len(docs))
	for i, d := range docs {
		vals[i] = d
	}
	return structpb.NewList(vals)
}

// FromProtoHistoryList reads per-date documents.
func FromProtoHistoryList(lv *structpb.ListValue) []map[string]any {
	out := make([]map[string]any, 0, len(lv.GetValues()))
	for _, v := range lv.GetValues() {
		if s := v.GetStructValue(); s != nil {
			out = append(out, s.AsMap())
		}
	}
	return out
}

// --- operator credentials ---

// ToProtoCredentials builds a RegisterOperator/Login request.
func ToProtoCredentials(username, password string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"username": structpb.NewStringValue(username),
		"password": structpb.NewStringValue(password),
	}}
}

// FromProtoCredentials unpacks a RegisterOperator/Login request.
func FromProtoCredentials(s *structpb.Struct) (username, password string) {
	f := s.GetFields()
	return f["username"].GetStringValue(), f["password"].GetStringValue()
}

// ToProtoTokens renders a login response.
func ToProtoTokens(t model.Tokens) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"accessToken": structpb.NewStringValue(t.AccessToken),
		"expiresAt":   structpb.NewNumberValue(float64(t.ExpiresAt.Unix())),
	}}
}
