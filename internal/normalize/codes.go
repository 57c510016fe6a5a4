package normalize

// planFeatureCodes are the Form 5500 line 8a/8b plan characteristic codes.
// Codes outside this table are kept verbatim on the plan.
var planFeatureCodes = map[string]string{
	"1A": "Benefits are primarily pay related",
	"1B": "Benefits are primarily flat dollar",
	"1C": "Cash balance or similar plan",
	"1D": "Floor-offset plan",
	"1E": "Code section 401(h) arrangement",
	"1F": "Code section 414(k) arrangement",
	"1G": "Covered by PBGC",
	"1H": "Plan covered by PBGC that was terminated",
	"1I": "Frozen plan",
	"2A": "Age/service weighted or new comparability or similar plan",
	"2B": "Target benefit plan",
	"2C": "Money purchase (other than target benefit)",
	"2D": "Offset plan",
	"2E": "Profit-sharing",
	"2F": "ERISA section 404(c) plan",
	"2G": "Total participant-directed account plan",
	"2H": "Partial participant-directed account plan",
	"2I": "Stock bonus",
	"2J": "Code section 401(k) feature",
	"2K": "Code section 401(m) arrangement",
	"2L": "Code section 403(b)(1) arrangement",
	"2M": "Code section 403(b)(7) accounts",
	"2N": "Code section 408 accounts and annuities",
	"2O": "ESOP other than a leveraged ESOP",
	"2P": "Leveraged ESOP",
	"2Q": "Employer maintaining the ESOP is an S corporation",
	"2R": "Participant-directed brokerage accounts",
	"2S": "Automatic enrollment",
	"2T": "Default investment account for some participants",
	"3A": "Non-U.S. plan",
	"3B": "Plan covering self-employed individuals",
	"3C": "Plan not intended to be qualified",
	"3D": "Pre-approved pension plan",
	"3E": "One-participant plan",
	"3F": "Plan sponsor(s) received services of leased employees",
	"3H": "Plan sponsor(s) is a member of a controlled group",
	"3I": "Plan maintained by a church",
	"3J": "U.S.-based plan covering residents of Puerto Rico",
	"4A": "Medical",
	"4B": "Life insurance",
	"4C": "Supplemental unemployment",
	"4D": "Dental",
	"4E": "Vision",
	"4F": "Temporary disability (accident and sickness)",
	"4H": "Prepaid legal",
	"4I": "Stop loss (large deductible)",
	"4L": "Death benefits",
	"4P": "Taft-Hartley Financial Assistance for Employee Housing Expenses",
	"4Q": "Other",
	"4R": "Unfunded, fully insured or combination unfunded/insured welfare plan",
	"4S": "Unfunded, fully insured or combination unfunded/insured welfare plan that will not file an annual report",
	"4T": "10 or more employer plan under Code section 419A(f)(6)",
	"4U": "Collectively-bargained welfare benefit plan under ERISA section 3(40)",
}

// PlanTypeDescription returns the description of a two-character plan code.
func PlanTypeDescription(code string) (string, bool) {
	d, ok := planFeatureCodes[code]
	return d, ok
}

// states holds USPS codes for states, DC, territories and military mail.
var states = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true, "CT": true,
	"DE": true, "DC": true, "FL": true, "GA": true, "HI": true, "ID": true, "IL": true,
	"IN": true, "IA": true, "KS": true, "KY": true, "LA": true, "ME": true, "MD": true,
	"MA": true, "MI": true, "MN": true, "MS": true, "MO": true, "MT": true, "NE": true,
	"NV": true, "NH": true, "NJ": true, "NM": true, "NY": true, "NC": true, "ND": true,
	"OH": true, "OK": true, "OR": true, "PA": true, "RI": true, "SC": true, "SD": true,
	"TN": true, "TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true,
	"PR": true, "GU": true, "VI": true, "AS": true, "MP": true,
	"AA": true, "AE": true, "AP": true,
}

// ValidState reports whether s is a known two-letter postal code.
func ValidState(s string) bool {
	return states[s]
}
