package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd

	// strictConfig rejects unknown fields so producer/consumer schema drift
	// surfaces as a decode error instead of silent data loss.
	strictConfig = sonic.Config{
		EscapeHTML:            true,
		SortMapKeys:           true,
		CompactMarshaler:      true,
		CopyString:            true,
		ValidateString:        true,
		DisallowUnknownFields: true,
	}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalStrict decodes data into v and fails on any field not present in
// the target type.
func UnmarshalStrict(data []byte, v any) error {
	return strictConfig.Unmarshal(data, v)
}
