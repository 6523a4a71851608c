package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer create", role: RoleViewer, action: ActionCreate, allow: false},
		{name: "translator create", role: RoleTranslator, action: ActionCreate, allow: true},
		{name: "translator edit slug", role: RoleTranslator, action: ActionEditSlug, allow: false},
		{name: "editor edit slug", role: RoleEditor, action: ActionEditSlug, allow: true},
		{name: "editor confirm slug", role: RoleEditor, action: ActionConfirmSlug, allow: false},
		{name: "editor delete", role: RoleEditor, action: ActionDelete, allow: true},
		{name: "developer confirm slug", role: RoleDeveloper, action: ActionConfirmSlug, allow: true},
		{name: "admin delete", role: RoleAdmin, action: ActionDelete, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestCurators(t *testing.T) {
	for _, role := range []Role{RoleViewer, RoleTranslator, RoleEditor, RoleDeveloper, RoleAdmin} {
		want := role == RoleDeveloper || role == RoleAdmin
		if got := IsCurator(role); got != want {
			t.Fatalf("IsCurator(%q) = %v, want %v", role, got, want)
		}
	}
	if CanEditSlug(RoleTranslator) || !CanEditSlug(RoleEditor) {
		t.Fatal("unexpected slug edit capability")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("developer"); got != RoleDeveloper {
		t.Fatalf("Normalize(developer) = %q", got)
	}
	if got := Normalize("owner"); got != RoleViewer {
		t.Fatalf("Normalize(owner) = %q, want viewer", got)
	}
}
