package runset

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// RunOption is the per-run destination selection for log and monitoring
// output. Options combine as bit flags; both halves default to none.
type RunOption uint16

const (
	LogToNone RunOption = 0x1
	LogToFile RunOption = 0x2
	LogToLive RunOption = 0x4
	LogToBoth RunOption = LogToFile | LogToLive

	MoniToNone RunOption = 0x1000
	MoniToFile RunOption = 0x2000
	MoniToLive RunOption = 0x4000
	MoniToBoth RunOption = MoniToFile | MoniToLive
)

// Has reports whether every bit of opt is set.
func (o RunOption) Has(opt RunOption) bool { return o&opt == opt }

// LogEnabled reports whether any log destination is selected.
func (o RunOption) LogEnabled() bool { return !o.Has(LogToNone) && o&LogToBoth != 0 }

// MoniEnabled reports whether any monitoring destination is selected.
func (o RunOption) MoniEnabled() bool { return !o.Has(MoniToNone) && o&MoniToBoth != 0 }

func (o RunOption) String() string {
	return fmt.Sprintf("RunOption[log(%s)moni(%s)]",
		optionHalf(o.Has(LogToNone), o.Has(LogToBoth), o.Has(LogToFile), o.Has(LogToLive)),
		optionHalf(o.Has(MoniToNone), o.Has(MoniToBoth), o.Has(MoniToFile), o.Has(MoniToLive)))
}

func optionHalf(none, both, file, live bool) string {
	var parts []string
	if none {
		parts = append(parts, "None")
	}
	switch {
	case both:
		parts = append(parts, "Both")
	case file:
		parts = append(parts, "File")
	case live:
		parts = append(parts, "Live")
	}
	return strings.Join(parts, ",")
}

// ParseRunOption builds the flag form from the textual halves the operator
// API accepts. An empty half means none.
func ParseRunOption(logMode, moniMode string) (RunOption, error) {
	o, ok := parseOptionHalf(logMode, LogToNone, LogToFile, LogToLive)
	if !ok {
		return 0, errors.Errorf("Bad log mode %q", logMode)
	}
	m, ok := parseOptionHalf(moniMode, MoniToNone, MoniToFile, MoniToLive)
	if !ok {
		return 0, errors.Errorf("Bad monitoring mode %q", moniMode)
	}
	return o | m, nil
}

func parseOptionHalf(mode string, none, file, live RunOption) (RunOption, bool) {
	switch strings.ToLower(mode) {
	case "", "none":
		return none, true
	case "file":
		return file, true
	case "live":
		return live, true
	case "both":
		return file | live, true
	}
	return 0, false
}
