package riotapi

import "strings"

// Platform describes one League of Legends shard and the regional clusters used
// to reach account-v1 and match-v5 data for it.
type Platform struct {
	Code         string // platform id as used by the API, e.g. NA1
	Host         string // host prefix, e.g. na1
	AccountRoute string // account-v1 cluster
	MatchRoute   string // match-v5 cluster
	DefaultTag   string // tag line assumed when a handle has none
}

var platforms = []Platform{
	{Code: "NA1", Host: "na1", AccountRoute: "americas", MatchRoute: "americas", DefaultTag: "NA1"},
	{Code: "BR1", Host: "br1", AccountRoute: "americas", MatchRoute: "americas", DefaultTag: "BR1"},
	{Code: "LA1", Host: "la1", AccountRoute: "americas", MatchRoute: "americas", DefaultTag: "LAN"},
	{Code: "LA2", Host: "la2", AccountRoute: "americas", MatchRoute: "americas", DefaultTag: "LAS"},
	{Code: "EUW1", Host: "euw1", AccountRoute: "europe", MatchRoute: "europe", DefaultTag: "EUW"},
	{Code: "EUN1", Host: "eun1", AccountRoute: "europe", MatchRoute: "europe", DefaultTag: "EUNE"},
	{Code: "TR1", Host: "tr1", AccountRoute: "europe", MatchRoute: "europe", DefaultTag: "TR1"},
	{Code: "RU", Host: "ru", AccountRoute: "europe", MatchRoute: "europe", DefaultTag: "RU1"},
	{Code: "ME1", Host: "me1", AccountRoute: "europe", MatchRoute: "europe", DefaultTag: "ME1"},
	{Code: "KR", Host: "kr", AccountRoute: "asia", MatchRoute: "asia", DefaultTag: "KR1"},
	{Code: "JP1", Host: "jp1", AccountRoute: "asia", MatchRoute: "asia", DefaultTag: "JP1"},
	{Code: "OC1", Host: "oc1", AccountRoute: "asia", MatchRoute: "sea", DefaultTag: "OCE"},
	{Code: "PH2", Host: "ph2", AccountRoute: "asia", MatchRoute: "sea", DefaultTag: "PH2"},
	{Code: "SG2", Host: "sg2", AccountRoute: "asia", MatchRoute: "sea", DefaultTag: "SG2"},
	{Code: "TH2", Host: "th2", AccountRoute: "asia", MatchRoute: "sea", DefaultTag: "TH2"},
	{Code: "TW2", Host: "tw2", AccountRoute: "asia", MatchRoute: "sea", DefaultTag: "TW2"},
	{Code: "VN2", Host: "vn2", AccountRoute: "asia", MatchRoute: "sea", DefaultTag: "VN2"},
}

// Common display names players type instead of platform ids.
var platformAliases = map[string]string{
	"NA":   "NA1",
	"BR":   "BR1",
	"LAN":  "LA1",
	"LAS":  "LA2",
	"EUW":  "EUW1",
	"EUNE": "EUN1",
	"TR":   "TR1",
	"ME":   "ME1",
	"JP":   "JP1",
	"OCE":  "OC1",
	"PH":   "PH2",
	"SG":   "SG2",
	"TH":   "TH2",
	"TW":   "TW2",
	"VN":   "VN2",
}

// defaultAccountRoute is used for account-v1 when the caller's region does not
// map to a shard. Account data is global so any cluster answers.
const defaultAccountRoute = "americas"

// LookupPlatform maps a region or platform code (case-insensitive, aliases allowed) to its Platform.
func LookupPlatform(code string) (Platform, bool) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if alias, ok := platformAliases[c]; ok {
		c = alias
	}
	for _, p := range platforms {
		if p.Code == c || strings.ToUpper(p.Host) == c {
			return p, true
		}
	}
	return Platform{}, false
}

// Platforms returns every known shard in probe order.
func Platforms() []Platform {
	out := make([]Platform, len(platforms))
	copy(out, platforms)
	return out
}
