package logflags

import "testing"

func TestSetupEnablesRequestedCategories(t *testing.T) {
	defer Setup(false, "")

	if err := Setup(true, "diversion,checkpoint"); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if !Diversion() {
		t.Fatal("expected Diversion() to be true")
	}
	if !Checkpoint() {
		t.Fatal("expected Checkpoint() to be true")
	}
	if Replay() {
		t.Fatal("expected Replay() to remain false")
	}
}

func TestSetupWithoutLogFlagDisablesEverything(t *testing.T) {
	defer Setup(false, "")

	Setup(true, "adapter")
	if err := Setup(false, ""); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if Adapter() {
		t.Fatal("expected Adapter() to be false once logging is disabled")
	}
}

func TestSetupRejectsLogOutputWithoutLog(t *testing.T) {
	if err := Setup(false, "adapter"); err == nil {
		t.Fatal("expected an error when --log-output is given without --log")
	}
}
