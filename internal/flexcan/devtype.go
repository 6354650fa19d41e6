package flexcan

import (
	"fmt"
	"sort"
	"strings"
)

// Feature flags of a FlexCAN core revision.
type Feature uint32

const (
	// FeatureV10 cores have RXFGMASK and the stop-mode request line.
	FeatureV10 Feature = 1 << iota
	// FeatureBrokenErrState cores never raise warning/passive interrupts;
	// the state is polled from the delivery pass instead.
	FeatureBrokenErrState
	// FeatureErr005829 cores need the reserved mailbox cleared twice after
	// every transmit arm (i.MX6 erratum ERR005829).
	FeatureErr005829
)

// DevType describes one FlexCAN integration.
type DevType struct {
	Name     string
	Features Feature
}

func (d DevType) Has(f Feature) bool { return d.Features&f != 0 }

var devTypes = map[string]DevType{
	"imx6q": {Name: "imx6q", Features: FeatureV10 | FeatureErr005829},
	"imx28": {Name: "imx28"},
	"p1010": {Name: "p1010", Features: FeatureBrokenErrState},
}

// LookupDevType returns the named core revision.
func LookupDevType(name string) (DevType, error) {
	dt, ok := devTypes[strings.ToLower(name)]
	if !ok {
		return DevType{}, fmt.Errorf("%w: unknown devtype %q (want one of %s)", ErrInvalidConfig, name, strings.Join(DevTypeNames(), ", "))
	}
	return dt, nil
}

// DevTypeNames lists the known core revisions.
func DevTypeNames() []string {
	names := make([]string, 0, len(devTypes))
	for n := range devTypes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
