package domain

import "testing"

func TestSubmitRequestValidate(t *testing.T) {
	valid := SubmitRequest{
		Assets: []AssetRef{
			{AssetID: "a1", ImageURL: "http://x/a1.jpg"},
			{AssetID: "a2", ObjectKey: "uploads/a2.png"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	empty := SubmitRequest{}
	if err := empty.Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	missingSource := SubmitRequest{
		Assets: []AssetRef{{AssetID: "a1"}},
	}
	if err := missingSource.Validate(); err == nil {
		t.Fatal("expected validation error for missing image_url and object_key")
	}

	duplicated := SubmitRequest{
		Assets: []AssetRef{
			{AssetID: "a1", ImageURL: "http://x/a1.jpg"},
			{AssetID: "a1", ImageURL: "http://x/a1-copy.jpg"},
		},
	}
	if err := duplicated.Validate(); err == nil {
		t.Fatal("expected validation error for duplicate asset_id")
	}
}

func TestAssetStatusTerminal(t *testing.T) {
	if (AssetStatus{ID: "a1", AutoTagStatus: AutoTagStatusPending}).Terminal() {
		t.Fatal("pending must not be terminal")
	}
	if !(AssetStatus{ID: "a1", AutoTagStatus: AutoTagStatusCompleted}).Terminal() {
		t.Fatal("completed must be terminal")
	}
	if !(AssetStatus{ID: "a1", AutoTagStatus: AutoTagStatusFailed}).Terminal() {
		t.Fatal("failed must be terminal")
	}
}

func TestSubmissionOutcomeAsync(t *testing.T) {
	if !(SubmissionOutcome{BatchID: "batch-1"}).Async() {
		t.Fatal("outcome with batch id must be async")
	}
	if (SubmissionOutcome{Results: []TagResult{{AssetID: "a1"}}}).Async() {
		t.Fatal("inline results must not be async")
	}
}
