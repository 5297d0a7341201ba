package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5 and 6 field specs plus descriptors like @hourly.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseTiming turns a schedule string into a cron.Schedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 2 * * *", "@hourly", "@every 55m"
//   - interval: "55m", "2h30m", or HH:MM such as "01:30"
//   - "cron:" and "every:" prefixes force the form
func ParseTiming(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s)
	}
	sched, err := parseEvery(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return sched, nil
}

func parseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return sched, nil
}

func parseEvery(v string) (cron.Schedule, error) {
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s")
	}
	return cron.Every(d), nil
}
