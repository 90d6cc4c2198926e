package scheduler

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// parser accepts the classic five fields only: no seconds, no @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed five-field cron expression.
type Schedule struct {
	expr string
	spec *cron.SpecSchedule
}

// ParseSchedule parses a five-field cron expression. Fields accept *, numbers,
// lists, ranges, steps and (case-insensitive) month and weekday names.
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}
	fields[4] = sundayAsZero(fields[4])
	sched, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("invalid cron expression %q: unsupported schedule", expr)
	}
	return &Schedule{expr: expr, spec: spec}, nil
}

// Matches reports whether the wall-clock minute of t (in t's location) is selected
// by every field of the schedule.
func (s *Schedule) Matches(t time.Time) bool {
	return bitSet(s.spec.Minute, t.Minute()) &&
		bitSet(s.spec.Hour, t.Hour()) &&
		bitSet(s.spec.Dom, t.Day()) &&
		bitSet(s.spec.Month, int(t.Month())) &&
		bitSet(s.spec.Dow, int(t.Weekday()))
}

func (s *Schedule) String() string { return s.expr }

// sundayAsZero rewrites day-of-week 7 to 0, which is all the parser accepts for
// Sunday. A range ending at 7 becomes a range ending at 6 plus 0 when its step
// lands on 7.
func sundayAsZero(field string) string {
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts)+1)
	for _, part := range parts {
		rng, step, hasStep := strings.Cut(part, "/")
		if rng == "7" && !hasStep {
			out = append(out, "0")
			continue
		}
		lo, hi, isRange := strings.Cut(rng, "-")
		start, err := strconv.Atoi(lo)
		if !isRange || hi != "7" || err != nil || start < 0 || start > 7 {
			out = append(out, part)
			continue
		}
		n := 1
		if hasStep {
			if n, err = strconv.Atoi(step); err != nil || n <= 0 {
				out = append(out, part)
				continue
			}
		}
		if start < 7 {
			r := lo + "-6"
			if hasStep {
				r += "/" + step
			}
			out = append(out, r)
		}
		if (7-start)%n == 0 {
			out = append(out, "0")
		}
	}
	return strings.Join(out, ",")
}

func bitSet(bits uint64, n int) bool {
	return bits&(1<<uint(n)) != 0
}

// resolveLocation loads an IANA zone, falling back to UTC when it cannot be resolved.
func resolveLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("Unknown timezone, falling back to UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}

// minuteKey identifies the wall-clock minute containing t.
func minuteKey(t time.Time) int64 {
	sec := t.Unix()
	if sec < 0 && sec%60 != 0 {
		return sec/60 - 1
	}
	return sec / 60
}
