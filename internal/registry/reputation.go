package registry

import (
	"regexp"
	"strings"
)

// Protocols with public audits and a multi-year track record. Keys are
// lower-case project identifiers without version suffixes.
var auditedProtocols = map[string]string{
	"aave":            "Aave",
	"compound":        "Compound",
	"morpho":          "Morpho",
	"morpho-blue":     "Morpho",
	"spark":           "Spark",
	"sparklend":       "Spark",
	"yearn":           "Yearn",
	"yearn-finance":   "Yearn",
	"lido":            "Lido",
	"rocket-pool":     "Rocket Pool",
	"curve":           "Curve",
	"curve-dex":       "Curve",
	"convex-finance":  "Convex",
	"euler":           "Euler",
	"fluid":           "Fluid",
	"maker":           "Maker",
	"sky":             "Sky",
	"beefy":           "Beefy",
	"pendle":          "Pendle",
	"venus":           "Venus",
	"benqi":           "Benqi",
	"radiant":         "Radiant",
	"moonwell":        "Moonwell",
	"gearbox":         "Gearbox",
	"silo-finance":    "Silo",
	"seamless":        "Seamless",
	"balancer":        "Balancer",
	"frax":            "Frax",
	"ethena":          "Ethena",
	"stargate":        "Stargate",
	"uniswap":         "Uniswap",
	"kelp-dao":        "Kelp",
	"ether.fi":        "ether.fi",
	"etherfi":         "ether.fi",
	"origin-ether":    "Origin",
	"angle":           "Angle",
	"idle":            "Idle",
	"notional":        "Notional",
	"summer.fi":       "Summer.fi",
	"harvest-finance": "Harvest",
	"ipor":            "IPOR",
}

var versionSuffix = regexp.MustCompile(`(-v[0-9]+(\.[0-9]+)?|-lending|-finance)$`)

// AuditedProtocol reports whether project is on the reputation allow-list
// and returns its display name. Matching ignores case and version suffixes
// such as "aave-v3".
func AuditedProtocol(project string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(project))
	if key == "" {
		return "", false
	}
	if name, ok := auditedProtocols[key]; ok {
		return name, true
	}
	trimmed := versionSuffix.ReplaceAllString(key, "")
	if name, ok := auditedProtocols[trimmed]; ok {
		return name, true
	}
	if i := strings.IndexAny(trimmed, " _"); i > 0 {
		if name, ok := auditedProtocols[trimmed[:i]]; ok {
			return name, true
		}
	}
	return "", false
}
