package semantic

import (
	"fmt"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
)

func str(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// readingPayload flattens a reading into Qdrant payload values.
func readingPayload(r domain.Reading) map[string]*pb.Value {
	return map[string]*pb.Value{
		domain.FieldReadingID:     str(r.ID),
		domain.FieldCity:          str(r.Address.City),
		domain.FieldStreetName:    str(r.Address.StreetName),
		domain.FieldStreetNumber:  str(r.Address.StreetNumber),
		domain.FieldFullAddress:   str(r.Address.Full()),
		domain.FieldMeterValue:    str(r.MeterValue),
		domain.FieldConfidence:    {Kind: &pb.Value_DoubleValue{DoubleValue: r.Confidence}},
		domain.FieldNotes:         str(r.Notes),
		domain.FieldMeterType:     str(r.MeterType),
		domain.FieldUnits:         str(r.Units),
		domain.FieldEmbeddingText: str(r.EmbeddingText),
		domain.FieldEmbedModel:    str(r.EmbedModel),
		domain.FieldCreatedAt:     {Kind: &pb.Value_IntegerValue{IntegerValue: r.CreatedAt.UnixMilli()}},
	}
}

// decodeReading rebuilds a reading from a point's id and payload. A payload
// missing a required field means the collection holds something we did not
// write.
func decodeReading(id *pb.PointId, payload map[string]*pb.Value) (domain.Reading, error) {
	var r domain.Reading
	getString := func(key string, required bool) (string, error) {
		v, ok := payload[key]
		if !ok {
			if required {
				return "", fmt.Errorf("missing %s", key)
			}
			return "", nil
		}
		s, ok := v.GetKind().(*pb.Value_StringValue)
		if !ok {
			return "", fmt.Errorf("%s is not a string", key)
		}
		return s.StringValue, nil
	}

	var err error
	if r.ID, err = getString(domain.FieldReadingID, false); err != nil {
		return r, err
	}
	if r.ID == "" {
		r.ID = id.GetUuid()
	}
	if r.ID == "" {
		return r, fmt.Errorf("point has no uuid id")
	}
	for _, f := range []struct {
		key      string
		dst      *string
		required bool
	}{
		{domain.FieldCity, &r.Address.City, true},
		{domain.FieldStreetName, &r.Address.StreetName, true},
		{domain.FieldStreetNumber, &r.Address.StreetNumber, true},
		{domain.FieldMeterValue, &r.MeterValue, true},
		{domain.FieldNotes, &r.Notes, false},
		{domain.FieldMeterType, &r.MeterType, false},
		{domain.FieldUnits, &r.Units, false},
		{domain.FieldEmbeddingText, &r.EmbeddingText, false},
		{domain.FieldEmbedModel, &r.EmbedModel, false},
	} {
		if *f.dst, err = getString(f.key, f.required); err != nil {
			return r, err
		}
	}

	if v, ok := payload[domain.FieldConfidence]; ok {
		switch k := v.GetKind().(type) {
		case *pb.Value_DoubleValue:
			r.Confidence = k.DoubleValue
		case *pb.Value_IntegerValue:
			r.Confidence = float64(k.IntegerValue)
		default:
			return r, fmt.Errorf("confidence is not numeric")
		}
	}
	if v, ok := payload[domain.FieldCreatedAt]; ok {
		k, ok := v.GetKind().(*pb.Value_IntegerValue)
		if !ok {
			return r, fmt.Errorf("created_at is not an integer")
		}
		r.CreatedAt = time.UnixMilli(k.IntegerValue).UTC()
	}
	return r, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func buildFilter(f domain.Filter) *pb.Filter {
	if len(f) == 0 {
		return nil
	}
	must := make([]*pb.Condition, 0, len(f))
	for _, k := range sortedKeys(f) {
		must = append(must, fieldMatch(k, f[k]))
	}
	return &pb.Filter{Must: must}
}
