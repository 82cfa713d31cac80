package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Config holds bootstrap credentials for every configured backend account.
// Parsing the on-disk format is an ambient concern only: the shape and
// validation of each account block is what the account session manager
// actually needs to run the authorize flows.
type Config struct {
	Native     []NativeAccount
	Federated  []FederatedAccount
	FieldTest  bool
	ResourceDir string
}

// NativeAccount holds Nest-native session-exchange credentials.
type NativeAccount struct {
	Label       string
	AccessToken string
	CameraHost  string
	RestHost    string
}

// FederatedAccount holds Google-federated OAuth2/JWT credentials.
type FederatedAccount struct {
	Label      string
	IssueToken string
	Cookie     string
	RestHost   string
}

// Load reads configuration from a .env-style file. One or more accounts of
// either kind may be declared, keyed by a numeric suffix, e.g.
// native_1_access_token=..., federated_1_issuetoken=....
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	native := map[string]*NativeAccount{}
	federated := map[string]*FederatedAccount{}
	cfg := &Config{}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		switch {
		case key == "field_test":
			cfg.FieldTest = decodedValue == "true" || decodedValue == "1"
		case key == "resource_dir":
			cfg.ResourceDir = decodedValue
		case strings.HasPrefix(key, "native_"):
			label, field, ok := splitAccountKey(key, "native_")
			if !ok {
				continue
			}
			acct := native[label]
			if acct == nil {
				acct = &NativeAccount{Label: label}
				native[label] = acct
			}
			switch field {
			case "access_token":
				acct.AccessToken = decodedValue
			case "camera_host":
				acct.CameraHost = decodedValue
			case "rest_host":
				acct.RestHost = decodedValue
			}
		case strings.HasPrefix(key, "federated_"):
			label, field, ok := splitAccountKey(key, "federated_")
			if !ok {
				continue
			}
			acct := federated[label]
			if acct == nil {
				acct = &FederatedAccount{Label: label}
				federated[label] = acct
			}
			switch field {
			case "issuetoken":
				acct.IssueToken = decodedValue
			case "cookie":
				acct.Cookie = decodedValue
			case "rest_host":
				acct.RestHost = decodedValue
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	for _, acct := range native {
		cfg.Native = append(cfg.Native, *acct)
	}
	for _, acct := range federated {
		cfg.Federated = append(cfg.Federated, *acct)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// splitAccountKey splits "native_1_access_token" into ("1", "access_token").
func splitAccountKey(key, prefix string) (label, field string, ok bool) {
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.Index(rest, "_")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// Validate checks that every declared account has the fields its flow needs.
func (c *Config) Validate() error {
	if len(c.Native) == 0 && len(c.Federated) == 0 {
		return fmt.Errorf("no accounts configured: need at least one native_* or federated_* block")
	}
	for _, a := range c.Native {
		if a.AccessToken == "" {
			return fmt.Errorf("native account %s: missing access_token", a.Label)
		}
		if a.CameraHost == "" {
			return fmt.Errorf("native account %s: missing camera_host", a.Label)
		}
		if a.RestHost == "" {
			return fmt.Errorf("native account %s: missing rest_host", a.Label)
		}
	}
	for _, a := range c.Federated {
		if a.IssueToken == "" {
			return fmt.Errorf("federated account %s: missing issuetoken", a.Label)
		}
		if a.Cookie == "" {
			return fmt.Errorf("federated account %s: missing cookie", a.Label)
		}
		if a.RestHost == "" {
			return fmt.Errorf("federated account %s: missing rest_host", a.Label)
		}
	}
	return nil
}
