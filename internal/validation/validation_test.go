package validation

import "testing"

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"present", "deal", false},
		{"empty", "", true},
		{"whitespace only", "   \t", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequired("category", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRequired(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEnum(t *testing.T) {
	allowed := []string{"TODO", "ERROR", "DONE"}

	if err := ValidateEnum("state", "TODO", allowed); err != nil {
		t.Errorf("expected TODO to be allowed, got %v", err)
	}
	if err := ValidateEnum("state", "PENDING", allowed); err == nil {
		t.Error("expected PENDING to be rejected")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"https", "https://gateway.example.com/query", false},
		{"http", "http://localhost:8080", false},
		{"relative", "/query", true},
		{"scheme only", "ftp://example.com", true},
		{"garbage", "://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL("gateway.url", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePage(t *testing.T) {
	tests := []struct {
		name    string
		value   int64
		wantErr bool
	}{
		{"unbounded", -1, false},
		{"positive", 25, false},
		{"zero", 0, true},
		{"negative", -5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePage("per_page", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePage(%d) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestCollector(t *testing.T) {
	var c Collector

	if c.HasErrors() {
		t.Error("new collector should have no errors")
	}

	c.Add(nil)
	if c.HasErrors() {
		t.Error("adding nil should not record an error")
	}

	c.Add(ValidateRequired("name", ""))
	c.Add(ValidatePositive("source_id", 0))
	if len(c.Errors()) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(c.Errors()))
	}
	if c.Error() != "name is required; source_id must be positive" {
		t.Errorf("unexpected flattened message: %q", c.Error())
	}
}
