package collector

import (
	"fmt"
	"time"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

const DefaultPeriod = 5 * time.Minute

var frequencyDays = map[string]int{
	"daily":   1,
	"weekly":  7,
	"monthly": 30,
}

// FrequencyDays maps a report frequency to its default collection window.
func FrequencyDays(frequency string) (int, error) {
	days, ok := frequencyDays[frequency]
	if !ok {
		return 0, fmt.Errorf("unknown frequency %q (want daily, weekly or monthly)", frequency)
	}
	return days, nil
}

// NewWindow returns the window of the given number of days ending at end. A
// positive lookback overrides the frequency default.
func NewWindow(end time.Time, frequency string, lookbackDays int, period time.Duration) (models.Window, error) {
	days, err := FrequencyDays(frequency)
	if err != nil {
		return models.Window{}, err
	}
	if lookbackDays < 0 {
		return models.Window{}, fmt.Errorf("lookback must not be negative, got %d days", lookbackDays)
	}
	if lookbackDays > 0 {
		days = lookbackDays
	}
	if period <= 0 {
		period = DefaultPeriod
	}

	return models.Window{
		Start:  end.AddDate(0, 0, -days),
		End:    end,
		Period: period,
	}, nil
}
