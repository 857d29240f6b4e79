package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	Modules []string        `validate:"required,min=1,unique,dive,modulename"`
	Payload json.RawMessage `validate:"jsonpayload"`
	Wait    string          `validate:"omitempty,duration"`
}

func TestValidator(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		req     request
		wantTag string
	}{
		{name: "valid", req: request{Modules: []string{"echo", "virus-total"}, Payload: json.RawMessage(`{"a":1}`), Wait: "5s"}},
		{name: "no modules", req: request{Modules: []string{}, Payload: json.RawMessage(`{}`)}, wantTag: "min"},
		{name: "duplicate module", req: request{Modules: []string{"echo", "echo"}, Payload: json.RawMessage(`{}`)}, wantTag: "unique"},
		{name: "bad module name", req: request{Modules: []string{"Echo!"}, Payload: json.RawMessage(`{}`)}, wantTag: "modulename"},
		{name: "missing payload", req: request{Modules: []string{"echo"}}, wantTag: "jsonpayload"},
		{name: "broken payload", req: request{Modules: []string{"echo"}, Payload: json.RawMessage(`{`)}, wantTag: "jsonpayload"},
		{name: "bad duration", req: request{Modules: []string{"echo"}, Payload: json.RawMessage(`1`), Wait: "soon"}, wantTag: "duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.req)
			if tt.wantTag == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			problems := Problems(err)
			require.NotEmpty(t, problems)
			assert.Contains(t, problems[0], "'"+tt.wantTag+"'")
		})
	}
}
