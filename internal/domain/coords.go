package domain

import "strings"

// MatchRule names the heuristic that resolved a coordinate variable.
type MatchRule int

// Match rules in precedence order. RuleNone marks an unmatched axis.
const (
	RuleNone MatchRule = iota
	RuleStandardName
	RuleNameSubstring
	RuleExactName
)

func (r MatchRule) String() string {
	switch r {
	case RuleStandardName:
		return "standard_name"
	case RuleNameSubstring:
		return "name_substring"
	case RuleExactName:
		return "exact_name"
	default:
		return "none"
	}
}

// Match is the result of resolving one coordinate axis.
type Match struct {
	Name string
	Rule MatchRule
}

// Matched reports whether a variable was found for the axis.
func (m Match) Matched() bool {
	return m.Rule != RuleNone
}

// CoordinateRoles holds the latitude and longitude resolution results.
type CoordinateRoles struct {
	Latitude  Match
	Longitude Match
}

// Resolved reports whether both axes were matched.
func (r CoordinateRoles) Resolved() bool {
	return r.Latitude.Matched() && r.Longitude.Matched()
}

type axisHints struct {
	standardName string
	substring    string
	exact        string
}

var (
	latitudeHints  = axisHints{standardName: "latitude", substring: "lat", exact: "y"}
	longitudeHints = axisHints{standardName: "longitude", substring: "lon", exact: "x"}
)

type matchRule struct {
	rule  MatchRule
	match func(v Variable, h axisHints) bool
}

// coordinateRules is evaluated top to bottom; the first rule that matches
// any variable decides the axis.
var coordinateRules = []matchRule{
	{RuleStandardName, func(v Variable, h axisHints) bool {
		return v.StringAttr("standard_name") == h.standardName
	}},
	{RuleNameSubstring, func(v Variable, h axisHints) bool {
		return strings.Contains(strings.ToLower(v.Name), h.substring)
	}},
	{RuleExactName, func(v Variable, h axisHints) bool {
		return strings.ToLower(v.Name) == h.exact
	}},
}

// LocateCoordinates picks the latitude and longitude variables by name and
// attribute heuristics. Names are matched literally, so "rlat" or "plateau"
// resolve as latitude.
func LocateCoordinates(vars []Variable) CoordinateRoles {
	return CoordinateRoles{
		Latitude:  locateAxis(vars, latitudeHints),
		Longitude: locateAxis(vars, longitudeHints),
	}
}

func locateAxis(vars []Variable, hints axisHints) Match {
	for _, r := range coordinateRules {
		for _, v := range vars {
			if r.match(v, hints) {
				return Match{Name: v.Name, Rule: r.rule}
			}
		}
	}
	return Match{}
}
