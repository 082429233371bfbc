package pathtranslate

import "testing"

type fakeAliases map[string]string

func (f fakeAliases) Alias(vaultID uint32, parent, name string) (string, bool) {
	a, ok := f[parent+"/"+name]
	return a, ok
}

func newTestResolver() *Resolver {
	aliases := fakeAliases{
		"/photos":     "AAAA",
		"photos/a.jpg": "BBBB",
	}
	return NewResolver(7, "myvault", "/mnt/vaulthalla", "/var/lib/vaulthalla/backing", aliases)
}

func TestRel_Abs_RoundTrip(t *testing.T) {
	r := newTestResolver()

	rel, err := r.Rel("/mnt/vaulthalla/myvault/photos/a.jpg", FuseRoot)
	if err != nil {
		t.Fatalf("Rel: %v", err)
	}
	if rel != "photos/a.jpg" {
		t.Errorf("expected photos/a.jpg, got %q", rel)
	}

	abs, err := r.Abs(rel, FuseRoot)
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	if abs != "/mnt/vaulthalla/myvault/photos/a.jpg" {
		t.Errorf("expected round trip, got %q", abs)
	}
}

func TestAbsRelToAbsRel_FuseVaultBijection(t *testing.T) {
	r := newTestResolver()
	f := "/mnt/vaulthalla/myvault/photos/a.jpg"

	vaultRel, err := r.AbsRelToAbsRel(f, FuseRoot, VaultRoot)
	if err != nil {
		t.Fatalf("FUSE->VAULT: %v", err)
	}
	if vaultRel != "photos/a.jpg" {
		t.Errorf("expected photos/a.jpg, got %q", vaultRel)
	}

	back, err := r.AbsRelToAbsRel(vaultRel, VaultRoot, FuseRoot)
	if err != nil {
		t.Fatalf("VAULT->FUSE: %v", err)
	}
	if back != f {
		t.Errorf("expected bijection, got %q vs %q", back, f)
	}
}

func TestAbsRelToAbsRel_VaultToBacking(t *testing.T) {
	r := newTestResolver()

	backing, err := r.AbsRelToAbsRel("photos/a.jpg", VaultRoot, BackingVaultRoot)
	if err != nil {
		t.Fatalf("VAULT->BACKING: %v", err)
	}
	want := "/var/lib/vaulthalla/backing/myvault/AAAA/BBBB"
	if backing != want {
		t.Errorf("expected %q, got %q", want, backing)
	}
}

func TestRel_InvalidNamespace(t *testing.T) {
	r := newTestResolver()
	if _, err := r.Rel("/some/other/root/x", FuseRoot); err != ErrInvalidNamespace {
		t.Errorf("expected ErrInvalidNamespace, got %v", err)
	}
}

func TestVaultToBacking_UnknownAlias(t *testing.T) {
	r := newTestResolver()
	if _, err := r.AbsRelToAbsRel("unknown/path.txt", VaultRoot, BackingVaultRoot); err != ErrInvalidNamespace {
		t.Errorf("expected ErrInvalidNamespace for unresolved alias, got %v", err)
	}
}
