package providerclient

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrUnknownPackage = errors.New("unknown package")

// catalog maps a storefront package name to the provider's variation id.
var catalog = map[string]int{
	"Weekly Diamond Pass": 16642,
	"Twilight Pass":       16643,
	"5 Diamonds":          11,
	"12 Diamonds":         12,
	"28 Diamonds":         14,
	"44 Diamonds":         15,
	"59 Diamonds":         16,
	"86 Diamonds":         13,
	"172 Diamonds":        23,
	"257 Diamonds":        25,
	"344 Diamonds":        26,
	"429 Diamonds":        27,
	"514 Diamonds":        28,
	"706 Diamonds":        29,
	"1050 Diamonds":       30,
	"2195 Diamonds":       31,
	"3688 Diamonds":       32,
	"5532 Diamonds":       33,
	"9288 Diamonds":       34,
}

func init() {
	if err := validateCatalog(catalog); err != nil {
		panic(err)
	}
}

func validateCatalog(c map[string]int) error {
	seen := make(map[int]string, len(c))
	for name, id := range c {
		if strings.TrimSpace(name) != name || name == "" {
			return fmt.Errorf("catalog: malformed package name %q", name)
		}
		if id <= 0 {
			return fmt.Errorf("catalog: package %q has non-positive id %d", name, id)
		}
		if other, ok := seen[id]; ok {
			return fmt.Errorf("catalog: packages %q and %q share id %d", name, other, id)
		}
		seen[id] = name
	}
	return nil
}

// ProductID resolves a package name. Unknown names fail before any request is made.
func ProductID(pkg string) (int, error) {
	id, ok := catalog[pkg]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPackage, pkg)
	}
	return id, nil
}

// Packages lists the known package names in order.
func Packages() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
