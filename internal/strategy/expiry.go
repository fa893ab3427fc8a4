package strategy

import "time"

// ExpiryFromDTE resolves the expiry date string for a days-to-expiry count in
// the market timezone. After the 16:15 settlement cutoff the count starts
// from tomorrow, and a weekend landing rolls forward to Monday.
func ExpiryFromDTE(now time.Time, dte int, loc *time.Location) string {
	local := now.In(loc)
	if local.Hour() > 16 || (local.Hour() == 16 && local.Minute() >= 15) {
		local = local.AddDate(0, 0, 1)
	}
	expiry := local.AddDate(0, 0, dte)
	for expiry.Weekday() == time.Saturday || expiry.Weekday() == time.Sunday {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry.Format("20060102")
}
