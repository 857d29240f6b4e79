// Package classify guesses the indicator type of free-form IOC strings so
// submissions and modules can agree on an ioc_type without the caller
// spelling it out.
package classify

import (
	"regexp"
	"strings"

	"threat-api/internal/validation"
)

// IOCType names an indicator kind. Modules advertise the types they accept
// using these values.
type IOCType string

const (
	Unknown           IOCType = "unknown"
	IP                IOCType = "ip"
	Domain            IOCType = "domain"
	URL               IOCType = "url"
	Email             IOCType = "email"
	MD5               IOCType = "md5"
	SHA1              IOCType = "sha1"
	SHA256            IOCType = "sha256"
	SHA512            IOCType = "sha512"
	CVE               IOCType = "cve"
	AWSHostname       IOCType = "aws_hostname"
	MitreMatrix       IOCType = "mitre_matrix"
	MitreTactic       IOCType = "mitre_tactic"
	MitreTechnique    IOCType = "mitre_technique"
	MitreSubTechnique IOCType = "mitre_subtechnique"
	MitreMitigation   IOCType = "mitre_mitigation"
	MitreGroup        IOCType = "mitre_group"
	MitreSoftware     IOCType = "mitre_software"
)

var (
	validate = validation.New()

	sha1Pattern        = regexp.MustCompile(`^[0-9a-f]{40}$`)
	awsHostnamePattern = regexp.MustCompile(`^ip-(\d+-)+\d+\..*internal$`)
	mitrePattern       = regexp.MustCompile(`^(MA|TA|M|T|G|S)\d{4}(\.\d{3})?$`)

	// hashes are matched case-insensitively, tags run in order
	checks = []struct {
		tag  string
		kind IOCType
	}{
		{"ip", IP},
		{"email", Email},
		{"md5", MD5},
		{"sha256", SHA256},
		{"sha512", SHA512},
		{"cve", CVE},
		{"url", URL},
	}
)

// Type returns the indicator kind of ioc, or Unknown.
func Type(ioc string) IOCType {
	ioc = strings.TrimSpace(ioc)
	if ioc == "" {
		return Unknown
	}
	lower := strings.ToLower(ioc)
	upper := strings.ToUpper(ioc)

	for _, c := range checks {
		candidate := ioc
		switch c.kind {
		case MD5, SHA256, SHA512:
			candidate = lower
		case CVE:
			candidate = upper
		}
		if validate.Var(candidate, c.tag) == nil {
			return c.kind
		}
	}
	if sha1Pattern.MatchString(lower) {
		return SHA1
	}
	if awsHostnamePattern.MatchString(lower) {
		return AWSHostname
	}
	if m := mitrePattern.FindStringSubmatch(upper); m != nil {
		return mitreType(m[1], m[2] != "")
	}
	if validate.Var(lower, "fqdn") == nil {
		return Domain
	}
	return Unknown
}

func mitreType(prefix string, sub bool) IOCType {
	switch prefix {
	case "MA":
		return MitreMatrix
	case "TA":
		return MitreTactic
	case "T":
		if sub {
			return MitreSubTechnique
		}
		return MitreTechnique
	case "M":
		return MitreMitigation
	case "G":
		return MitreGroup
	default:
		return MitreSoftware
	}
}

// Classify groups iocs by detected type, keeping input order within each
// group. Blank entries are dropped.
func Classify(iocs []string) map[IOCType][]string {
	out := make(map[IOCType][]string)
	for _, ioc := range iocs {
		ioc = strings.TrimSpace(ioc)
		if ioc == "" {
			continue
		}
		t := Type(ioc)
		out[t] = append(out[t], ioc)
	}
	return out
}
