package plateimager

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Distance is a displacement with an optional unit label. The rig only
// understands millimetres; the label is informational and carried through
// from the plan file.
type Distance struct {
	Length int    `yaml:"length"`
	Units  string `yaml:"units,omitempty"`
}

// Stage is one physical section of the sample holder: a large displacement
// to its first row, then a fixed number of evenly spaced rows.
type Stage struct {
	StageDistance Distance `yaml:"stage_distance"`
	Rows          int      `yaml:"rows"`
	RowDistance   Distance `yaml:"row_distance"`
}

// Span is the total travel this stage occupies measured from home:
// the displacement to its first row plus the row pitch times the row count.
func (s Stage) Span() int {
	return s.StageDistance.Length + s.RowDistance.Length*s.Rows
}

// ExperimentConfig is the experiment plan. It is loaded once from YAML,
// validated, and read-only for the duration of a run.
type ExperimentConfig struct {
	Name           string   `yaml:"name"`
	OutputDir      string   `yaml:"output_dir"`
	NumberOfImages int      `yaml:"number_of_images"`
	Emails         []string `yaml:"emails"`
	Stages         []Stage  `yaml:"stages"`
}

// TravelLimits bounds the plan's total travel. MaxMM of zero means
// unbounded. When SoftLimit is set, exceeding MaxMM is reported by
// ExceedsTravel instead of failing validation, so the caller can decide
// to warn rather than abort.
type TravelLimits struct {
	MaxMM     int
	SoftLimit bool
}

// LoadPlan reads an experiment plan from YAML. Unknown keys in the file
// are ignored. Validation is a separate step so callers can report
// schema problems distinctly from parse problems.
func LoadPlan(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	var plan ExperimentConfig
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	return &plan, nil
}

const minEmailLength = 6

// Validate checks the plan's field constraints and its physical travel
// constraints. All violations found are aggregated into a single error
// rather than stopping at the first.
func (c *ExperimentConfig) Validate(limits TravelLimits) error {
	var errs error

	if c.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("name must be non-empty"))
	}
	if c.OutputDir == "" {
		errs = multierr.Append(errs, fmt.Errorf("output_dir must be non-empty"))
	} else if fi, err := os.Stat(c.OutputDir); err != nil || !fi.IsDir() {
		errs = multierr.Append(errs, fmt.Errorf("output_dir %s is not an existing directory", c.OutputDir))
	}
	if c.NumberOfImages <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("number_of_images must be > 0, got %d", c.NumberOfImages))
	}
	for i, email := range c.Emails {
		if len(email) < minEmailLength {
			errs = multierr.Append(errs, fmt.Errorf("emails[%d] %q is too short to be an address", i, email))
		}
	}
	if len(c.Stages) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("at least one stage is required"))
	}

	for i, stage := range c.Stages {
		if stage.StageDistance.Length < 0 {
			errs = multierr.Append(errs, fmt.Errorf("stage %d: stage_distance must be >= 0, got %d", i+1, stage.StageDistance.Length))
		}
		if stage.Rows <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("stage %d: rows must be > 0, got %d", i+1, stage.Rows))
		}
		if stage.RowDistance.Length <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("stage %d: row_distance must be > 0, got %d", i+1, stage.RowDistance.Length))
		}
	}

	errs = multierr.Append(errs, c.validateTravel(limits))
	return errs
}

// validateTravel enforces the travel-overlap constraint: stage distances
// are measured from home, so each stage must start at or beyond the
// cumulative span of the stage before it, and no stage may run past the
// hard travel bound.
func (c *ExperimentConfig) validateTravel(limits TravelLimits) error {
	var errs error
	prevSpan := 0
	for i, stage := range c.Stages {
		if stage.StageDistance.Length < prevSpan {
			errs = multierr.Append(errs, fmt.Errorf(
				"stage %d: stage_distance %dmm is inside stage %d's span of %dmm (the actuator would have to move backward)",
				i+1, stage.StageDistance.Length, i, prevSpan))
		}
		prevSpan = stage.Span()
		if limits.MaxMM > 0 && !limits.SoftLimit && prevSpan > limits.MaxMM {
			errs = multierr.Append(errs, fmt.Errorf(
				"stage %d: cumulative span %dmm exceeds the %dmm travel bound",
				i+1, prevSpan, limits.MaxMM))
		}
	}
	return errs
}

// TotalSpanMM is the travel the full plan occupies, measured from home.
func (c *ExperimentConfig) TotalSpanMM() int {
	if len(c.Stages) == 0 {
		return 0
	}
	return c.Stages[len(c.Stages)-1].Span()
}

// ExceedsTravel reports whether the plan runs past the configured bound.
// Used for the soft-limit warning path; the hard check lives in Validate.
func (c *ExperimentConfig) ExceedsTravel(limits TravelLimits) bool {
	return limits.MaxMM > 0 && c.TotalSpanMM() > limits.MaxMM
}
