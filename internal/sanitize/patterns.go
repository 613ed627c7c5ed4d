package sanitize

import (
	"net/netip"
	"regexp"
	"strings"
)

// pattern is one compiled detector rule. Rules run in slice order, so
// high-risk credential families always go first and win overlapping
// spans. validate, when set, vets each raw match before redaction (Luhn
// for cards, public-range checks for IPs).
type pattern struct {
	name       string
	category   string
	confidence float64
	re         *regexp.Regexp
	validate   func(match string) bool
	group      int    // submatch to replace; 0 replaces the whole match
	detector   string // detection attribution; defaults to "regex"
	tier1      bool   // part of the minimal safe subset used under degradation
}

func (p pattern) detectorName() string {
	if p.detector != "" {
		return p.detector
	}
	return "regex"
}

// patterns is the full ordered rule set. Every regexp uses bounded
// quantifiers; there is no backtracking engine to blow up, but bounds
// keep worst-case scans proportional to input size.
var patterns = []pattern{
	// Tier 1: private keys, credential assignments, JWTs, cloud keys.
	{
		name:       "pem_private_key",
		category:   CategoryPrivateKey,
		confidence: 1.0,
		tier1:      true,
		re:         regexp.MustCompile(`-----BEGIN [A-Z0-9 ]{0,40}PRIVATE KEY( BLOCK)?-----(?s:.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,192}?)-----END [A-Z0-9 ]{0,40}PRIVATE KEY( BLOCK)?-----`),
	},
	{
		name:       "pgp_block",
		category:   CategoryPGPBlock,
		confidence: 1.0,
		tier1:      true,
		re:         regexp.MustCompile(`-----BEGIN PGP (MESSAGE|PRIVATE KEY BLOCK)-----(?s:.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,1000}?.{0,192}?)-----END PGP (MESSAGE|PRIVATE KEY BLOCK)-----`),
	},
	{
		name:       "credential_assignment",
		category:   CategoryCredential,
		confidence: 0.95,
		tier1:      true,
		re:         regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token|client[_-]?secret|private[_-]?key)\b['"]?\s*[:=]\s*['"]?([^\s'",;]{8,200})`),
		validate:   notPlaceholderValue,
		group:      2,
	},
	{
		name:       "jwt",
		category:   CategoryJWT,
		confidence: 0.98,
		tier1:      true,
		re:         regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,400}\.[A-Za-z0-9_-]{10,400}\.[A-Za-z0-9_-]{10,400}\b`),
	},
	{
		name:       "aws_access_key",
		category:   CategoryAWSAccessKey,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\b(AKIA|ASIA|ABIA|ACCA)[0-9A-Z]{16}\b`),
	},
	{
		name:       "aws_secret_key",
		category:   CategoryAWSSecretKey,
		confidence: 0.9,
		tier1:      true,
		re:         regexp.MustCompile(`(?i)\baws[_-]?secret[_-]?(access[_-]?)?key\b['"]?\s*[:=]\s*['"]?([A-Za-z0-9/+=]{40})`),
		group:      2,
	},
	{
		name:       "gcp_api_key",
		category:   CategoryGCPAPIKey,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),
	},
	{
		name:       "github_token",
		category:   CategoryGitHubToken,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\b(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,255}\b|\bgithub_pat_[A-Za-z0-9_]{22,255}\b`),
	},
	{
		name:       "gitlab_token",
		category:   CategoryGitLabToken,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bglpat-[A-Za-z0-9_-]{20,64}\b`),
	},
	{
		name:       "slack_token",
		category:   CategorySlackToken,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,250}\b`),
	},
	{
		name:       "stripe_key",
		category:   CategoryStripeKey,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\b[sr]k_(live|test)_[A-Za-z0-9]{20,99}\b`),
	},
	{
		name:       "anthropic_key",
		category:   CategoryAnthropicKey,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,120}\b`),
	},
	{
		name:       "openai_key",
		category:   CategoryOpenAIKey,
		confidence: 0.98,
		tier1:      true,
		re:         regexp.MustCompile(`\bsk-(proj-)?[A-Za-z0-9_-]{20,120}\b`),
	},
	{
		name:       "sendgrid_key",
		category:   CategorySendGridKey,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bSG\.[A-Za-z0-9_-]{16,32}\.[A-Za-z0-9_-]{16,64}\b`),
	},
	{
		name:       "npm_token",
		category:   CategoryNPMToken,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bnpm_[A-Za-z0-9]{36}\b`),
	},
	{
		name:       "pypi_token",
		category:   CategoryPyPIToken,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bpypi-[A-Za-z0-9_-]{32,250}\b`),
	},
	{
		name:       "digitalocean_key",
		category:   CategoryDigitalOceanKey,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bdop_v1_[a-f0-9]{64}\b`),
	},
	{
		name:       "shopify_token",
		category:   CategoryShopifyToken,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bshp(at|pa|ss)_[a-fA-F0-9]{32}\b`),
	},
	{
		name:       "mailgun_key",
		category:   CategoryMailgunKey,
		confidence: 0.95,
		tier1:      true,
		re:         regexp.MustCompile(`\bkey-[a-f0-9]{32}\b`),
	},
	{
		name:       "discord_token",
		category:   CategoryDiscordToken,
		confidence: 0.95,
		tier1:      true,
		re:         regexp.MustCompile(`\b[MNO][A-Za-z0-9_-]{23,25}\.[A-Za-z0-9_-]{6}\.[A-Za-z0-9_-]{27,38}\b`),
	},
	{
		name:       "telegram_token",
		category:   CategoryTelegramToken,
		confidence: 0.98,
		tier1:      true,
		re:         regexp.MustCompile(`\b\d{8,10}:AA[A-Za-z0-9_-]{32,34}\b`),
	},
	{
		name:       "twilio_key",
		category:   CategoryTwilioKey,
		confidence: 0.95,
		tier1:      true,
		re:         regexp.MustCompile(`\b(SK|AC)[a-f0-9]{32}\b`),
	},
	{
		name:       "heroku_key",
		category:   CategoryHerokuKey,
		confidence: 0.85,
		tier1:      true,
		re:         regexp.MustCompile(`(?i)\bheroku[_-]?api[_-]?key\b['"]?\s*[:=]\s*['"]?([0-9a-f-]{36})`),
		group:      1,
	},
	{
		name:       "azure_secret",
		category:   CategoryAzureSecret,
		confidence: 0.9,
		tier1:      true,
		re:         regexp.MustCompile(`(?i)\bazure[_-]?(client[_-]?secret|storage[_-]?key)\b['"]?\s*[:=]\s*['"]?([A-Za-z0-9/+=_-]{20,120})`),
		group:      2,
	},
	{
		name:       "gcp_service_account",
		category:   CategoryGCPServiceAcct,
		confidence: 0.95,
		tier1:      true,
		re:         regexp.MustCompile(`"type"\s*:\s*"service_account"`),
	},
	{
		name:       "ssh_private_key_ref",
		category:   CategorySSHKey,
		confidence: 0.9,
		tier1:      true,
		re:         regexp.MustCompile(`\bssh-(rsa|ed25519|dss) [A-Za-z0-9+/=]{60,1000}\b`),
	},
	{
		name:       "bearer_token",
		category:   CategoryBearerToken,
		confidence: 0.95,
		tier1:      true,
		re:         regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,400}=*`),
		validate:   notPlaceholderValue,
	},
	{
		name:       "basic_auth_header",
		category:   CategoryBasicAuth,
		confidence: 0.95,
		tier1:      true,
		re:         regexp.MustCompile(`(?i)\bbasic\s+[A-Za-z0-9+/]{16,400}=*`),
	},
	{
		name:       "connection_uri",
		category:   CategoryConnectionURI,
		confidence: 0.98,
		tier1:      true,
		re:         regexp.MustCompile(`\b(postgres|postgresql|mysql|mongodb(\+srv)?|redis|amqp|mssql)://[^\s:@/]{1,64}:[^\s@/]{1,128}@[^\s/]{1,256}`),
	},
	{
		name:       "url_userinfo",
		category:   CategoryURLUserinfo,
		confidence: 0.95,
		tier1:      true,
		re:         regexp.MustCompile(`\bhttps?://[^\s:@/]{1,64}:[^\s@/]{1,128}@[^\s/]{1,256}`),
	},
	{
		name:       "slack_webhook",
		category:   CategoryWebhookURL,
		confidence: 0.99,
		tier1:      true,
		re:         regexp.MustCompile(`\bhttps://hooks\.slack\.com/services/T[A-Za-z0-9]{5,12}/B[A-Za-z0-9]{5,12}/[A-Za-z0-9]{20,30}\b`),
	},
	{
		name:       "url_token_param",
		category:   CategoryURLToken,
		confidence: 0.85,
		tier1:      true,
		re:         regexp.MustCompile(`(?i)[?&](token|key|secret|signature|sig|access_token|api_key|apikey)=([^\s&"']{8,400})`),
		validate:   notPlaceholderValue,
		group:      2,
	},

	// Financial
	{
		name:       "credit_card",
		category:   CategoryCreditCard,
		confidence: 0.98,
		re:         regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		validate:   luhnValid,
		detector:   "luhn",
	},
	{
		name:       "iban",
		category:   CategoryIBAN,
		confidence: 0.9,
		re:         regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
		validate:   ibanValid,
	},
	{
		name:       "swift_bic",
		category:   CategorySwiftBIC,
		confidence: 0.7,
		re:         regexp.MustCompile(`(?i)\b(swift|bic)\s*(code)?\s*[:=]?\s*([A-Z]{6}[A-Z0-9]{2}([A-Z0-9]{3})?)\b`),
		group:      3,
	},
	{
		name:       "crypto_address",
		category:   CategoryCryptoAddr,
		confidence: 0.85,
		re:         regexp.MustCompile(`\b(0x[a-fA-F0-9]{40}|bc1[a-z0-9]{25,62}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})\b`),
	},

	// National identifiers
	{
		name:       "ssn",
		category:   CategorySSN,
		confidence: 0.95,
		re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		validate:   ssnValid,
	},
	{
		name:       "itin",
		category:   CategoryITIN,
		confidence: 0.9,
		re:         regexp.MustCompile(`\b9\d{2}-(5\d|6\d|7\d|8\d|9[0-2]|9[4-9])-\d{4}\b`),
	},
	{
		name:       "ein",
		category:   CategoryEIN,
		confidence: 0.7,
		re:         regexp.MustCompile(`(?i)\bEIN\s*[:#]?\s*\d{2}-\d{7}\b`),
	},
	{
		name:       "uk_nino",
		category:   CategoryUKNino,
		confidence: 0.9,
		re:         regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z]{2}\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-D]\b`),
	},
	{
		name:       "uk_nhs",
		category:   CategoryUKNHS,
		confidence: 0.7,
		re:         regexp.MustCompile(`(?i)\bNHS\s*(number)?\s*[:#]?\s*\d{3}[ -]?\d{3}[ -]?\d{4}\b`),
	},
	{
		name:       "canadian_sin",
		category:   CategoryCanadianSIN,
		confidence: 0.85,
		re:         regexp.MustCompile(`(?i)\bSIN\s*[:#]?\s*(\d{3}[ -]?\d{3}[ -]?\d{3})\b`),
		validate:   luhnValid,
		detector:   "luhn",
		group:      1,
	},
	{
		name:       "australian_tfn",
		category:   CategoryAustralianTFN,
		confidence: 0.85,
		re:         regexp.MustCompile(`(?i)\bTFN\s*[:#]?\s*\d{3}[ -]?\d{3}[ -]?\d{3}\b`),
	},
	{
		name:       "indian_aadhaar",
		category:   CategoryIndianAadhaar,
		confidence: 0.8,
		re:         regexp.MustCompile(`(?i)\baadhaar\s*(number)?\s*[:#]?\s*\d{4}\s?\d{4}\s?\d{4}\b`),
	},
	{
		name:       "indian_pan",
		category:   CategoryIndianPAN,
		confidence: 0.9,
		re:         regexp.MustCompile(`\b[A-Z]{3}[PCHFATBLJG][A-Z]\d{4}[A-Z]\b`),
	},
	{
		name:       "german_tax_id",
		category:   CategoryGermanTaxID,
		confidence: 0.7,
		re:         regexp.MustCompile(`(?i)\bsteuer[_-]?id\s*[:#]?\s*\d{2}\s?\d{3}\s?\d{3}\s?\d{3}\b`),
	},
	{
		name:       "french_insee",
		category:   CategoryFrenchINSEE,
		confidence: 0.7,
		re:         regexp.MustCompile(`(?i)\b(insee|num[ée]ro de s[ée]curit[ée] sociale)\s*[:#]?\s*[12]\s?\d{2}\s?(0[1-9]|1[0-2])\s?\d{2}\s?\d{3}\s?\d{3}\s?\d{2}\b`),
	},
	{
		name:       "passport",
		category:   CategoryPassportNum,
		confidence: 0.75,
		re:         regexp.MustCompile(`(?i)\bpassport\s*(number|no\.?|#)?\s*[:#]?\s*[A-Z0-9]{6,9}\b`),
	},
	{
		name:       "driver_license",
		category:   CategoryDriverLicense,
		confidence: 0.7,
		re:         regexp.MustCompile(`(?i)\b(driver'?s?\s+licen[cs]e|DL)\s*(number|no\.?|#)?\s*[:#]?\s*[A-Z0-9-]{5,15}\b`),
	},
	{
		name:       "vin",
		category:   CategoryVIN,
		confidence: 0.8,
		re:         regexp.MustCompile(`(?i)\bVIN\s*[:#]?\s*[A-HJ-NPR-Z0-9]{17}\b`),
	},
	{
		name:       "imei",
		category:   CategoryIMEI,
		confidence: 0.8,
		re:         regexp.MustCompile(`(?i)\bIMEI\s*[:#]?\s*(\d{15})\b`),
		validate:   luhnValid,
		detector:   "luhn",
		group:      1,
	},

	// Contact and network identifiers
	{
		name:       "email",
		category:   CategoryEmail,
		confidence: 0.98,
		re:         regexp.MustCompile(`\b[A-Za-z0-9._%+-]{1,64}@[A-Za-z0-9.-]{1,253}\.[A-Za-z]{2,24}\b`),
	},
	{
		name:       "phone_intl",
		category:   CategoryPhone,
		confidence: 0.9,
		re:         regexp.MustCompile(`\+\d{1,3}[ .-]?\(?\d{1,4}\)?([ .-]?\d{2,4}){2,4}\b`),
	},
	{
		name:       "phone_us",
		category:   CategoryPhone,
		confidence: 0.85,
		re:         regexp.MustCompile(`\b\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`),
	},
	{
		name:       "ipv4_public",
		category:   CategoryIPPublic,
		confidence: 0.95,
		re:         regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`),
		validate:   publicIPv4,
	},
	{
		name:       "ipv6_public",
		category:   CategoryIPv6Public,
		confidence: 0.9,
		re:         regexp.MustCompile(`\b([0-9a-fA-F]{1,4}:){4,7}[0-9a-fA-F]{1,4}\b`),
		validate:   publicIPv6,
	},
	{
		name:       "mac_address",
		category:   CategoryMACAddress,
		confidence: 0.9,
		re:         regexp.MustCompile(`\b([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}\b`),
	},

	// User file paths
	{
		name:       "user_path_unix",
		category:   CategoryUserPath,
		confidence: 0.95,
		re:         regexp.MustCompile(`(/(Users|home)/[A-Za-z0-9._-]{1,64}(/[^\s:'"]{0,200})?)`),
	},
	{
		name:       "user_path_windows",
		category:   CategoryUserPath,
		confidence: 0.95,
		re:         regexp.MustCompile(`(?i)([A-Z]:\\Users\\[A-Za-z0-9._ -]{1,64}(\\[^\s:'"]{0,200})?)`),
	},
}

// minimalPatterns is the degraded-mode rule set: the credential and key
// families only. Used when a pattern breaches its time budget.
var minimalPatterns = func() []pattern {
	var out []pattern
	for _, p := range patterns {
		if p.tier1 {
			out = append(out, p)
		}
	}
	return out
}()

// notPlaceholderValue rejects matches whose captured value is already a
// redaction placeholder. Keeps Sanitize idempotent.
func notPlaceholderValue(match string) bool {
	return !strings.Contains(match, "[REDACTED_")
}

// luhnValid checks the Luhn checksum over all digits in the match,
// ignoring separators. Non-digit-bearing matches fail.
func luhnValid(match string) bool {
	var digits []int
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 9 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func ssnValid(match string) bool {
	// Area 000, 666, and 900-999 are never issued.
	area := match[:3]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return match[4:6] != "00" && match[7:] != "0000"
}

func ibanValid(match string) bool {
	// Mod-97 check per ISO 13616.
	if len(match) < 15 || len(match) > 34 {
		return false
	}
	rearranged := match[4:] + match[:4]
	rem := 0
	for _, r := range rearranged {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
		default:
			return false
		}
		if v < 10 {
			rem = (rem*10 + v) % 97
		} else {
			rem = (rem*100 + v) % 97
		}
	}
	return rem == 1
}

// publicIPv4 keeps private, loopback, link-local, and other non-routable
// addresses in place. 192.168.1.1 in a debugging session is context, not
// PII; a public address can identify a person or their server.
func publicIPv4(match string) bool {
	addr, err := netip.ParseAddr(match)
	if err != nil || !addr.Is4() {
		return false
	}
	return isPublic(addr)
}

func publicIPv6(match string) bool {
	addr, err := netip.ParseAddr(match)
	if err != nil || !addr.Is6() {
		return false
	}
	return isPublic(addr)
}

var reservedV4 = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),  // carrier NAT
	netip.MustParsePrefix("192.0.2.0/24"),   // TEST-NET-1
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"), // TEST-NET-3
	netip.MustParsePrefix("255.255.255.255/32"),
}

func isPublic(addr netip.Addr) bool {
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	if addr.Is4() {
		for _, p := range reservedV4 {
			if p.Contains(addr) {
				return false
			}
		}
	}
	return true
}
