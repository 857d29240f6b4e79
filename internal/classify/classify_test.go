package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestType(t *testing.T) {
	tests := []struct {
		ioc  string
		want IOCType
	}{
		{"27.41.67.138", IP},
		{"2001:db8::1", IP},
		{"godaddy.com", Domain},
		{"email@foo.com", Email},
		{"https://godaddy.com/login", URL},
		{"5282ccccccccccccccccc11111111111", MD5},
		{"66c80000000000000000000000aaaaaaaaaaaaaa", SHA1},
		{"84DDBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB000000000000000000000000", SHA256},
		{"cve-2021-44228", CVE},
		{"ip-10-0-0-12.ec2.internal", AWSHostname},
		{"TA0001", MitreTactic},
		{"t1059", MitreTechnique},
		{"T1059.001", MitreSubTechnique},
		{"G0016", MitreGroup},
		{"S0066", MitreSoftware},
		{"M1036", MitreMitigation},
		{"MA0001", MitreMatrix},
		{"not an indicator", Unknown},
		{"   ", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.ioc, func(t *testing.T) {
			assert.Equal(t, tt.want, Type(tt.ioc))
		})
	}
}

func TestClassify(t *testing.T) {
	got := Classify([]string{"1.2.3.4", "evil.example", "", "8.8.8.8", "???"})

	assert.Equal(t, map[IOCType][]string{
		IP:      {"1.2.3.4", "8.8.8.8"},
		Domain:  {"evil.example"},
		Unknown: {"???"},
	}, got)
}
