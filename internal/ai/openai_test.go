package ai

import "testing"

func TestNewOpenAIProviderDefaultsModel(t *testing.T) {
	provider, err := NewOpenAIProvider("sk-test", "")
	if err != nil {
		t.Fatalf("NewOpenAIProvider error: %v", err)
	}
	if provider.model != defaultModel {
		t.Fatalf("expected default model %q, got %q", defaultModel, provider.model)
	}

	provider, err = NewOpenAIProvider("sk-test", "gpt-4o")
	if err != nil {
		t.Fatalf("NewOpenAIProvider error: %v", err)
	}
	if provider.model != "gpt-4o" {
		t.Fatalf("expected configured model, got %q", provider.model)
	}
}

func TestNewOpenAIProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIProvider("", ""); err == nil {
		t.Fatal("expected error without api key")
	}
}
