package strategy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindIronCondor     Kind = "iron_condor"
	KindDoubleCalendar Kind = "double_calendar"
	KindPutButterfly   Kind = "put_butterfly"
	KindCallButterfly  Kind = "call_butterfly"
)

// Definition is one configured strategy. Deltas are magnitudes (0.16 means
// |delta| 0.16); wing width is in underlying points.
type Definition struct {
	ID         string  `yaml:"id"`
	Name       string  `yaml:"name"`
	Type       Kind    `yaml:"type"`
	Active     bool    `yaml:"active"`
	Underlying string  `yaml:"underlying"`
	Quantity   int64   `yaml:"quantity"`
	EntryDays  []int   `yaml:"entry_days"` // 0=Sunday .. 6=Saturday
	EntryTime  string  `yaml:"entry_time"` // "HH:MM" market time
	DTE        int     `yaml:"dte"`
	ShortDTE   int     `yaml:"short_dte"` // calendars
	LongDTE    int     `yaml:"long_dte"`  // calendars
	PutDelta   float64 `yaml:"put_delta"`
	CallDelta  float64 `yaml:"call_delta"`
	WingWidth  float64 `yaml:"wing_width"`
}

type file struct {
	Strategies []Definition `yaml:"strategies"`
}

// LoadDefinitions parses the strategies YAML file and validates each entry.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading strategies file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing strategies file: %w", err)
	}
	for i := range f.Strategies {
		if err := f.Strategies[i].validate(); err != nil {
			return nil, fmt.Errorf("strategy %d: %w", i, err)
		}
	}
	return f.Strategies, nil
}

func (d *Definition) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if d.Underlying == "" {
		d.Underlying = "SPX"
	}
	if d.Quantity <= 0 {
		d.Quantity = 1
	}
	switch d.Type {
	case KindIronCondor:
		if d.PutDelta <= 0 || d.CallDelta <= 0 {
			return fmt.Errorf("iron condor needs put_delta and call_delta")
		}
		if d.WingWidth <= 0 {
			return fmt.Errorf("iron condor needs wing_width")
		}
	case KindDoubleCalendar:
		if d.ShortDTE >= d.LongDTE {
			return fmt.Errorf("double calendar needs short_dte < long_dte")
		}
		if d.PutDelta <= 0 || d.CallDelta <= 0 {
			return fmt.Errorf("double calendar needs put_delta and call_delta")
		}
	case KindPutButterfly, KindCallButterfly:
		if d.PutDelta <= 0 && d.CallDelta <= 0 {
			return fmt.Errorf("butterfly needs a center delta")
		}
		if d.WingWidth <= 0 {
			return fmt.Errorf("butterfly needs wing_width")
		}
	default:
		return fmt.Errorf("unknown strategy type %q", d.Type)
	}
	return nil
}

// centerDelta returns the butterfly center target.
func (d *Definition) centerDelta() float64 {
	if d.Type == KindCallButterfly {
		return d.CallDelta
	}
	return d.PutDelta
}
