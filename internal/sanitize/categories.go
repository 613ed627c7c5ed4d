// Package sanitize implements the stage-1 fast sanitizer: deterministic,
// irreversible redaction of secrets and PII in bounded time. It runs
// synchronously inside the capture hook, before anything reaches disk.
package sanitize

// DetectorVersion identifies the exact pattern set and behavior of this
// build. Monotonically increasing; every detection records the version
// that produced it.
const DetectorVersion = 3

// ErrorPlaceholder replaces the entire message when sanitization itself
// fails. Treated as a successful sanitization with one synthetic detection.
const ErrorPlaceholder = "[ERROR: message blocked for safety]"

// Categories form the closed redaction taxonomy. Placeholders on disk are
// always "[REDACTED_<CATEGORY>]". Additions are minor schema-version
// increments and must remain backward-compatible. Categories marked as
// contextual are detected by the stage-2 AI validator, not by patterns
// here, but share this namespace so placeholders stay uniform.
const (
	// Credential and key families (highest risk, minimal safe subset)
	CategoryPrivateKey      = "PRIVATE_KEY"
	CategoryCredential      = "CREDENTIAL"
	CategoryJWT             = "JWT"
	CategoryAWSAccessKey    = "AWS_ACCESS_KEY"
	CategoryAWSSecretKey    = "AWS_SECRET_KEY"
	CategoryGCPAPIKey       = "GCP_API_KEY"
	CategoryGCPServiceAcct  = "GCP_SERVICE_ACCOUNT"
	CategoryAzureSecret     = "AZURE_SECRET"
	CategoryGitHubToken     = "GITHUB_TOKEN"
	CategoryGitLabToken     = "GITLAB_TOKEN"
	CategorySlackToken      = "SLACK_TOKEN"
	CategoryStripeKey       = "STRIPE_KEY"
	CategorySendGridKey     = "SENDGRID_KEY"
	CategoryTwilioKey       = "TWILIO_KEY"
	CategoryOpenAIKey       = "OPENAI_KEY"
	CategoryAnthropicKey    = "ANTHROPIC_KEY"
	CategoryNPMToken        = "NPM_TOKEN"
	CategoryPyPIToken       = "PYPI_TOKEN"
	CategoryDigitalOceanKey = "DIGITALOCEAN_KEY"
	CategoryShopifyToken    = "SHOPIFY_TOKEN"
	CategoryHerokuKey       = "HEROKU_KEY"
	CategoryMailgunKey      = "MAILGUN_KEY"
	CategoryDiscordToken    = "DISCORD_TOKEN"
	CategoryTelegramToken   = "TELEGRAM_TOKEN"
	CategorySSHKey          = "SSH_KEY"
	CategoryPGPBlock        = "PGP_BLOCK"
	CategoryBasicAuth       = "BASIC_AUTH"
	CategoryBearerToken     = "BEARER_TOKEN"
	CategoryPassword        = "PASSWORD"
	CategoryAPIKeyGeneric   = "API_KEY"
	CategorySecret          = "SECRET"
	CategoryEncodedSecret   = "ENCODED_SECRET"
	CategoryConnectionURI   = "CONNECTION_URI"
	CategoryWebhookURL      = "WEBHOOK_URL"

	// Financial
	CategoryCreditCard = "CREDIT_CARD"
	CategoryIBAN       = "IBAN"
	CategorySwiftBIC   = "SWIFT_BIC"
	CategoryBankAcct   = "BANK_ACCOUNT"
	CategoryCryptoAddr = "CRYPTO_ADDRESS"

	// National identifiers
	CategorySSN          = "SSN"
	CategoryEIN          = "EIN"
	CategoryITIN         = "ITIN"
	CategoryUKNino       = "UK_NINO"
	CategoryUKNHS        = "UK_NHS"
	CategoryCanadianSIN  = "CANADIAN_SIN"
	CategoryAustralianTFN = "AUSTRALIAN_TFN"
	CategoryIndianAadhaar = "INDIAN_AADHAAR"
	CategoryIndianPAN    = "INDIAN_PAN"
	CategoryGermanTaxID  = "GERMAN_TAX_ID"
	CategoryFrenchINSEE  = "FRENCH_INSEE"
	CategoryPassportNum  = "PASSPORT_NUMBER"
	CategoryDriverLicense = "DRIVER_LICENSE"
	CategoryVIN          = "VIN"

	// Contact identifiers
	CategoryEmail        = "EMAIL"
	CategoryPhone        = "PHONE"
	CategoryFax          = "FAX"
	CategoryStreetAddr   = "STREET_ADDRESS" // contextual (stage-2)
	CategoryPostalCode   = "POSTAL_CODE"    // contextual (stage-2)
	CategoryDateOfBirth  = "DATE_OF_BIRTH"  // contextual (stage-2)
	CategoryPerson       = "PERSON"         // contextual (stage-2)
	CategoryOrganization = "ORGANIZATION"   // contextual (stage-2)
	CategoryUsername     = "USERNAME"       // contextual (stage-2)

	// Network identifiers
	CategoryIPPublic   = "IP"
	CategoryIPv6Public = "IPV6"
	CategoryMACAddress = "MAC_ADDRESS"
	CategoryHostname   = "HOSTNAME" // contextual (stage-2)

	// Path and URL identifiers
	CategoryUserPath   = "PATH"
	CategoryURLUserinfo = "URL_USERINFO"
	CategoryURLToken   = "URL_TOKEN"

	// Device / misc
	CategoryUUIDSecret = "UUID_SECRET"
	CategoryIMEI       = "IMEI"
	CategoryGeoCoord   = "GEO_COORDINATES" // contextual (stage-2)
	CategoryLicensePlate = "LICENSE_PLATE" // contextual (stage-2)
	CategoryHealthInfo = "HEALTH_INFO"     // contextual (stage-2)
	CategoryBiometric  = "BIOMETRIC"       // contextual (stage-2)
	CategoryError      = "ERROR"
)

// Placeholder renders the on-disk replacement for a category.
func Placeholder(category string) string {
	return "[REDACTED_" + category + "]"
}

// Tolerance holds the accuracy targets for one category family, surfaced
// as test knobs so the corpus tests can assert against them.
type Tolerance struct {
	FalseNegativeTarget    float64 // fraction of known-positive corpus allowed to slip
	FalsePositiveTolerance float64 // fraction of known-negative corpus allowed to over-redact
}

// Tolerances returns the accuracy targets by category family.
func Tolerances() map[string]Tolerance {
	return map[string]Tolerance{
		"credential":     {FalseNegativeTarget: 0.001, FalsePositiveTolerance: 0.10},
		"credit_card":    {FalseNegativeTarget: 0, FalsePositiveTolerance: 0.01},
		"national_id":    {FalseNegativeTarget: 0.005, FalsePositiveTolerance: 0.02},
		"email":          {FalseNegativeTarget: 0.01, FalsePositiveTolerance: 0.02},
		"public_ip":      {FalseNegativeTarget: 0.02, FalsePositiveTolerance: 0.05},
		"personal_name":  {FalseNegativeTarget: 0.02, FalsePositiveTolerance: 0.05},
		"user_file_path": {FalseNegativeTarget: 0.01, FalsePositiveTolerance: 0.03},
	}
}
