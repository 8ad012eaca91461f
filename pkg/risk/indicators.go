package risk

// DefaultIndicators is the built-in list of scam indicator phrases, matched
// case-insensitively against the accumulated call transcript. Order matters:
// evidence is reported in list order, so the higher-signal impersonation and
// payment phrases come first.
var DefaultIndicators = []string{
	// Impersonation
	"verify your identity",
	"social security",
	"irs",
	"internal revenue service",
	"medicare",
	"your bank account has been",
	"federal agent",
	"law enforcement",
	"warrant for your arrest",
	"microsoft support",
	"tech support",

	// Urgency
	"act now",
	"immediately",
	"urgent action",
	"final notice",
	"account will be suspended",
	"account has been compromised",
	"legal action will be taken",
	"do not hang up",
	"limited time",

	// Payment requests
	"wire transfer",
	"gift card",
	"gift cards",
	"bitcoin",
	"cryptocurrency",
	"western union",
	"moneygram",
	"payment is required",

	// Credential harvesting
	"one-time code",
	"verification code",
	"card number",
	"pin number",
	"remote access",
}
