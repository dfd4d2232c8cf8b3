package engine

import (
	"fmt"
	"time"
)

// TemplateAnchor carries the sizing fields of the template a deadline was
// expanded from, so a resolved deadline can be traced back to its
// configuration.
type TemplateAnchor struct {
	DueDayOfMonth *int `json:"dueDayOfMonth,omitempty"`
	DueMonth      *int `json:"dueMonth,omitempty"`
	DueDay        *int `json:"dueDay,omitempty"`
	OffsetDays    *int `json:"offsetDays,omitempty"`
}

// ResolvedDeadline is one deadline template expanded into a concrete due date
// and reporting period for a specific year. Recurring instances carry the
// template key suffixed with the month (`:01`..`:12`) or quarter
// (`:Q1`..`:Q4`) index.
type ResolvedDeadline struct {
	Key         string         `json:"key"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Frequency   string         `json:"frequency"`
	DueDate     time.Time      `json:"dueDate"`
	PeriodStart time.Time      `json:"periodStart"`
	PeriodEnd   time.Time      `json:"periodEnd"`
	Template    TemplateAnchor `json:"template"`
}

// ResolveDeadlines expands deadline templates into concrete due dates and
// reporting periods for the target year. Templates whose appliesWhen
// condition does not match the profile are skipped, and a template missing
// the anchor fields its frequency needs produces zero instances: a partially
// configured template means "no due date configured", never an error and
// never a fabricated date.
//
// Output order is template order, then month/quarter ascending within a
// template. No cross-template sort by date happens here.
func ResolveDeadlines(templates []DeadlineTemplate, profile Profile, year int) []ResolvedDeadline {
	resolved := []ResolvedDeadline{}
	for _, tpl := range templates {
		if tpl.AppliesWhen != nil && !EvalCondition(*tpl.AppliesWhen, profile) {
			continue
		}
		resolved = append(resolved, expandTemplate(tpl, year)...)
	}
	return resolved
}

func expandTemplate(tpl DeadlineTemplate, year int) []ResolvedDeadline {
	switch tpl.Frequency {
	case FrequencyAnnual, FrequencyOneTime:
		return expandAnnual(tpl, year)
	case FrequencyMonthly:
		return expandMonthly(tpl, year)
	case FrequencyQuarterly:
		return expandQuarterly(tpl, year)
	default:
		return nil
	}
}

// expandAnnual handles both annual and one_time templates: one instance
// anchored at (year, dueMonth, dueDay), period spanning the full calendar
// year.
func expandAnnual(tpl DeadlineTemplate, year int) []ResolvedDeadline {
	if tpl.DueMonth == nil || tpl.DueDay == nil {
		return nil
	}
	due := dateUTC(year, *tpl.DueMonth, *tpl.DueDay)
	if tpl.OffsetDays != nil {
		due = due.AddDate(0, 0, *tpl.OffsetDays)
	}
	return []ResolvedDeadline{{
		Key:         tpl.Key,
		Title:       tpl.Title,
		Description: tpl.Description,
		Frequency:   tpl.Frequency,
		DueDate:     due,
		PeriodStart: dateUTC(year, 1, 1),
		PeriodEnd:   dateUTC(year, 12, 31),
		Template:    anchorOf(tpl),
	}}
}

func expandMonthly(tpl DeadlineTemplate, year int) []ResolvedDeadline {
	var out []ResolvedDeadline
	for month := 1; month <= 12; month++ {
		periodStart := dateUTC(year, month, 1)
		periodEnd := lastDayOfMonth(year, month)

		due, ok := dueDateFor(tpl, year, month, periodEnd)
		if !ok {
			continue
		}
		out = append(out, ResolvedDeadline{
			Key:         fmt.Sprintf("%s:%02d", tpl.Key, month),
			Title:       tpl.Title,
			Description: tpl.Description,
			Frequency:   tpl.Frequency,
			DueDate:     due,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			Template:    anchorOf(tpl),
		})
	}
	return out
}

func expandQuarterly(tpl DeadlineTemplate, year int) []ResolvedDeadline {
	var out []ResolvedDeadline
	for q := 1; q <= 4; q++ {
		endMonth := q * 3
		periodStart := dateUTC(year, endMonth-2, 1)
		periodEnd := lastDayOfMonth(year, endMonth)

		due, ok := dueDateFor(tpl, year, endMonth, periodEnd)
		if !ok {
			continue
		}
		out = append(out, ResolvedDeadline{
			Key:         fmt.Sprintf("%s:Q%d", tpl.Key, q),
			Title:       tpl.Title,
			Description: tpl.Description,
			Frequency:   tpl.Frequency,
			DueDate:     due,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			Template:    anchorOf(tpl),
		})
	}
	return out
}

// dueDateFor computes a recurring instance's due date. The base anchor is
// dueDayOfMonth in the anchor month when set; with only offsetDays set the
// base falls back to the period's last calendar day. Neither set means no due
// date is configured for this instance.
func dueDateFor(tpl DeadlineTemplate, year, anchorMonth int, periodEnd time.Time) (time.Time, bool) {
	var base time.Time
	switch {
	case tpl.DueDayOfMonth != nil:
		base = dateUTC(year, anchorMonth, *tpl.DueDayOfMonth)
	case tpl.OffsetDays != nil:
		base = periodEnd
	default:
		return time.Time{}, false
	}
	if tpl.OffsetDays != nil {
		base = base.AddDate(0, 0, *tpl.OffsetDays)
	}
	return base, true
}

func anchorOf(tpl DeadlineTemplate) TemplateAnchor {
	return TemplateAnchor{
		DueDayOfMonth: tpl.DueDayOfMonth,
		DueMonth:      tpl.DueMonth,
		DueDay:        tpl.DueDay,
		OffsetDays:    tpl.OffsetDays,
	}
}

// dateUTC builds a midnight-UTC date. Out-of-range days normalize the way
// time.Date always does (Feb 31 rolls into March), which keeps resolution
// total for any authored day value.
func dateUTC(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func lastDayOfMonth(year, month int) time.Time {
	return dateUTC(year, month, 1).AddDate(0, 1, -1)
}
