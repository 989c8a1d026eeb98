package schedule

import (
	"encoding/json"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/version"
)

// seedFile is the TOML shape of a definitions file:
//
//	requires = ">= 0.4"
//
//	[[definition]]
//	name = "nightly-report"
//	trigger_url = "https://reports.example.com/api/build"
//	frequency = "daily"
//	start_date = 2025-01-01T00:00:00Z
//
//	[definition.schedule]
//	times = ["02:00"]
//
//	[definition.body]
//	rows = 5
type seedFile struct {
	Requires    string           `toml:"requires"`
	Definitions []seedDefinition `toml:"definition"`
}

type seedDefinition struct {
	ID           int64                  `toml:"id"`
	Name         string                 `toml:"name"`
	FunctionApp  string                 `toml:"function_app"`
	TriggerURL   string                 `toml:"trigger_url"`
	Frequency    string                 `toml:"frequency"`
	StartDate    *time.Time             `toml:"start_date"`
	Active       *bool                  `toml:"is_active"`
	TriggerLimit *int64                 `toml:"trigger_limit"`
	Schedule     map[string]interface{} `toml:"schedule"`
	Body         map[string]interface{} `toml:"body"`
}

// LoadDefinitionsFile reads definitions from a TOML file. Every definition is
// validated; the first invalid one fails the whole file.
func LoadDefinitionsFile(path string) ([]*Definition, error) {
	var file seedFile
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse definitions file %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.NewInvalidRequestError("%s: unknown keys %v", path, undecoded)
	}
	if err := version.Satisfies(file.Requires); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidRequest), path)
	}

	defs := make([]*Definition, 0, len(file.Definitions))
	for i, sd := range file.Definitions {
		d, err := sd.toDefinition()
		if err != nil {
			return nil, errors.Wrapf(err, "%s: definition #%d", path, i+1)
		}
		if err := d.Validate(); err != nil {
			return nil, errors.Wrapf(err, "%s: definition #%d", path, i+1)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func (sd seedDefinition) toDefinition() (*Definition, error) {
	d := &Definition{
		ID:           sd.ID,
		Name:         sd.Name,
		FunctionApp:  sd.FunctionApp,
		TriggerURL:   sd.TriggerURL,
		Frequency:    Frequency(sd.Frequency),
		IsActive:     true,
		TriggerLimit: sd.TriggerLimit,
	}
	if sd.Active != nil {
		d.IsActive = *sd.Active
	}
	if sd.StartDate != nil {
		d.StartDate = sd.StartDate.UTC()
	}

	schedule := sd.Schedule
	if schedule == nil {
		schedule = map[string]interface{}{}
	}
	raw, err := json.Marshal(schedule)
	if err != nil {
		return nil, errors.Wrap(err, "schedule")
	}
	d.ScheduleConfig = raw

	body := sd.Body
	if body == nil {
		body = map[string]interface{}{}
	}
	rawBody, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "body")
	}
	d.JSONBody = string(rawBody)

	return d, nil
}
