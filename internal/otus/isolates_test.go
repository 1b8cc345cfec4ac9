package otus

import (
	"context"
	"strings"
	"testing"

	"refcore/internal/otus/otutil"
	"refcore/pkg/document"
	"refcore/pkg/domain"
)

func seedOTU(t *testing.T, svc *Service) {
	t.Helper()
	if _, err := svc.Create(context.Background(), "hxn167", "Prunus virus F", "PVF", "igboyes", "otu1"); err != nil {
		t.Fatal(err)
	}
}

func TestFirstIsolateBecomesDefault(t *testing.T) {
	ctx := context.Background()
	_, svc := newTestService(t)
	seedOTU(t, svc)

	isolate, err := svc.AddIsolate(ctx, "otu1", "isolate", "8816-v2", false, "igboyes")
	if err != nil {
		t.Fatalf("add isolate: %v", err)
	}
	if isolate["default"] != true {
		t.Fatal("first isolate not defaulted")
	}

	second, err := svc.AddIsolate(ctx, "otu1", "variant", "A", false, "igboyes")
	if err != nil {
		t.Fatal(err)
	}
	if second["default"] != false {
		t.Fatal("second isolate stole the default")
	}
}

func TestAddIsolateAsDefaultClearsPrevious(t *testing.T) {
	ctx := context.Background()
	_, svc := newTestService(t)
	seedOTU(t, svc)

	first, err := svc.AddIsolate(ctx, "otu1", "isolate", "8816-v2", false, "igboyes")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddIsolate(ctx, "otu1", "variant", "A", true, "igboyes"); err != nil {
		t.Fatal(err)
	}

	joined, _ := svc.Join(ctx, "otu1")
	def := otutil.DefaultIsolate(joined)
	if def == nil || def["source_name"] != "A" {
		t.Fatalf("default isolate = %v", def)
	}
	firstID, _ := first["id"].(string)
	if iso := otutil.FindIsolate(joined, firstID); iso["default"] != false {
		t.Fatal("previous default not cleared")
	}
}

func TestSetAsDefaultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, svc := newTestService(t)
	seedOTU(t, svc)

	isolate, err := svc.AddIsolate(ctx, "otu1", "isolate", "8816-v2", false, "igboyes")
	if err != nil {
		t.Fatal(err)
	}
	isolateID, _ := isolate["id"].(string)

	before, _ := svc.Join(ctx, "otu1")
	versionBefore, _ := document.AsInt(before["version"])

	if _, err := svc.SetAsDefault(ctx, "otu1", isolateID, "igboyes"); err != nil {
		t.Fatalf("set default: %v", err)
	}

	after, _ := svc.Join(ctx, "otu1")
	versionAfter, _ := document.AsInt(after["version"])
	if versionAfter != versionBefore {
		t.Fatalf("no-op default bump: %d -> %d", versionBefore, versionAfter)
	}
}

func TestSetAsDefaultMovesFlag(t *testing.T) {
	ctx := context.Background()
	db, svc := newTestService(t)
	seedOTU(t, svc)

	if _, err := svc.AddIsolate(ctx, "otu1", "isolate", "8816-v2", false, "igboyes"); err != nil {
		t.Fatal(err)
	}
	second, err := svc.AddIsolate(ctx, "otu1", "variant", "A", false, "igboyes")
	if err != nil {
		t.Fatal(err)
	}
	secondID, _ := second["id"].(string)

	if _, err := svc.SetAsDefault(ctx, "otu1", secondID, "igboyes"); err != nil {
		t.Fatal(err)
	}

	joined, _ := svc.Join(ctx, "otu1")
	def := otutil.DefaultIsolate(joined)
	if def == nil || def["id"] != secondID {
		t.Fatalf("default = %v", def)
	}

	change, _ := db.Collection(document.CollectionHistory).FindOne(ctx,
		document.Doc{"method": string(domain.MethodSetAsDefault)}, nil)
	if change == nil {
		t.Fatal("set_as_default change missing")
	}
	desc, _ := change["description"].(string)
	if !strings.HasPrefix(desc, "Set Variant A as default") {
		t.Fatalf("description = %q", desc)
	}
}

func TestRemoveIsolatePromotesReplacementDefault(t *testing.T) {
	ctx := context.Background()
	db, svc := newTestService(t)
	seedOTU(t, svc)

	first, err := svc.AddIsolate(ctx, "otu1", "isolate", "8816-v2", false, "igboyes")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddIsolate(ctx, "otu1", "variant", "A", false, "igboyes"); err != nil {
		t.Fatal(err)
	}
	firstID, _ := first["id"].(string)
	if _, err := svc.CreateSequence(ctx, "otu1", firstID, "seq1", "def", "host", "", "ATAGAG", "igboyes"); err != nil {
		t.Fatal(err)
	}

	if err := svc.RemoveIsolate(ctx, "otu1", firstID, "igboyes"); err != nil {
		t.Fatalf("remove isolate: %v", err)
	}

	joined, _ := svc.Join(ctx, "otu1")
	def := otutil.DefaultIsolate(joined)
	if def == nil || def["source_name"] != "A" {
		t.Fatalf("promoted default = %v", def)
	}

	// The removed isolate's sequences went with it.
	if n, _ := db.Collection(document.CollectionSequences).Count(ctx, document.Doc{"isolate_id": firstID}); n != 0 {
		t.Fatal("sequences of removed isolate survived")
	}

	change, _ := db.Collection(document.CollectionHistory).FindOne(ctx,
		document.Doc{"method": string(domain.MethodRemoveIsolate)}, nil)
	desc, _ := change["description"].(string)
	if desc != "Removed Isolate 8816-v2 and set Variant A as default" {
		t.Fatalf("description = %q", desc)
	}
}

func TestIsolateOperationsOnMissingTargets(t *testing.T) {
	ctx := context.Background()
	_, svc := newTestService(t)
	seedOTU(t, svc)

	if _, err := svc.AddIsolate(ctx, "absent", "isolate", "x", false, "igboyes"); !domain.IsNotFound(err) {
		t.Fatalf("add to missing OTU err = %v", err)
	}
	if _, err := svc.EditIsolate(ctx, "otu1", "absent", strPtr("variant"), nil, "igboyes"); !domain.IsNotFound(err) {
		t.Fatalf("edit missing isolate err = %v", err)
	}
	if err := svc.RemoveIsolate(ctx, "otu1", "absent", "igboyes"); !domain.IsNotFound(err) {
		t.Fatalf("remove missing isolate err = %v", err)
	}
}

func TestEditIsolateRenames(t *testing.T) {
	ctx := context.Background()
	db, svc := newTestService(t)
	seedOTU(t, svc)

	isolate, err := svc.AddIsolate(ctx, "otu1", "isolate", "8816-v2", false, "igboyes")
	if err != nil {
		t.Fatal(err)
	}
	isolateID, _ := isolate["id"].(string)

	edited, err := svc.EditIsolate(ctx, "otu1", isolateID, strPtr("variant"), strPtr("B"), "igboyes")
	if err != nil {
		t.Fatalf("edit isolate: %v", err)
	}
	if edited["source_type"] != "variant" || edited["source_name"] != "B" {
		t.Fatalf("edited isolate = %v", edited)
	}

	change, _ := db.Collection(document.CollectionHistory).FindOne(ctx,
		document.Doc{"method": string(domain.MethodEditIsolate)}, nil)
	if change["description"] != "Renamed Isolate 8816-v2 to Variant B" {
		t.Fatalf("description = %v", change["description"])
	}
}
