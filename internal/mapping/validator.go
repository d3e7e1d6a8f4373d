package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/KevinKickass/RegisterMapper/internal/codec"
	"github.com/KevinKickass/RegisterMapper/internal/types"
)

// Validate performs the construction-time integrity checks on a mapping.
// Every problem found is reported in one configuration error; duplicate
// parameters are listed together.
func Validate(mapping map[string]Entry) error {
	tokens := make([]string, 0, len(mapping))
	for token := range mapping {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	var problems []string
	owners := make(map[string][]string)

	for _, token := range tokens {
		entry := mapping[token]
		tok, err := ParseToken(token)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if entry.Parameter == "" {
			problems = append(problems, fmt.Sprintf("feature parameter missing for register '%s'", token))
			continue
		}
		owners[entry.Parameter] = append(owners[entry.Parameter], token)
		problems = append(problems, checkEntry(tok, entry)...)
	}

	var duplicates []string
	for parameter, regs := range owners {
		if len(regs) > 1 {
			duplicates = append(duplicates, parameter)
		}
	}
	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		problems = append(problems, fmt.Sprintf("duplicate parameter '%s'", strings.Join(duplicates, ", ")))
	}

	if len(problems) > 0 {
		return types.NewError(types.KindConfiguration, "%s", strings.Join(problems, "; "))
	}
	return nil
}

func checkEntry(tok Token, entry Entry) []string {
	var problems []string
	datatype := types.DatatypeBoolean

	if tok.Class.IsBit() {
		if entry.Function != "" && entry.Function != codec.Bits.String() {
			problems = append(problems, fmt.Sprintf("decoding function '%s' not permitted for register '%s'", entry.Function, tok.Raw))
		}
	} else {
		if entry.Function == "" {
			return append(problems, fmt.Sprintf("decoding function not provided for register '%s'", tok.Raw))
		}
		p, ok := codec.Lookup(entry.Function)
		if !ok {
			return append(problems, fmt.Sprintf("decoding function '%s' not defined for register '%s' (parameter '%s')", entry.Function, tok.Raw, entry.Parameter))
		}
		datatype = p.Datatype()
		if p == codec.Bits && len(entry.Map) == 0 {
			problems = append(problems, fmt.Sprintf("register '%s' lacks bit map feature", tok.Raw))
		}
	}

	if (entry.Min != nil || entry.Max != nil) && !datatype.IsNumeric() {
		problems = append(problems, fmt.Sprintf("feature min or max not permitted for register '%s'", tok.Raw))
	}
	if entry.Min != nil && entry.Max != nil && *entry.Min > *entry.Max {
		problems = append(problems, fmt.Sprintf("feature min exceeds max for register '%s'", tok.Raw))
	}
	if entry.Multiplier != nil && *entry.Multiplier == 0 {
		problems = append(problems, fmt.Sprintf("feature multiplier must not be zero for register '%s'", tok.Raw))
	}

	switch {
	case len(entry.Map) == 0:
	case datatype == types.DatatypeBoolean:
		for _, item := range entry.Map {
			if _, err := BitIndex(item.Key); err != nil {
				problems = append(problems, fmt.Sprintf("binary string error in map for register '%s'", tok.Raw))
				break
			}
		}
	case datatype == types.DatatypeString:
		problems = append(problems, fmt.Sprintf("feature map not permitted for string register '%s'", tok.Raw))
	}
	return problems
}
