package scene

import "testing"

func TestParseMaterialFlags(t *testing.T) {
	m, err := ParseMaterialFlags([]string{"depth-test", " depth-write", "skinned"})
	if err != nil {
		t.Fatal(err)
	}
	want := MaterialDepthTest | MaterialDepthWrite | MaterialSkinned
	if m != want {
		t.Errorf("got %v, want %v", m, want)
	}
	if _, err := ParseMaterialFlags([]string{"glossy"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestMaterialFlagsString(t *testing.T) {
	tests := []struct {
		m    MaterialFlags
		want string
	}{
		{0, "none"},
		{MaterialDecal, "decal"},
		{MaterialAlphaBlend | MaterialLOD, "alpha-blend|lod"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestMaterialFlagsRoundTripNames(t *testing.T) {
	for _, n := range materialNames {
		f, err := ParseMaterialFlag(n.f.String())
		if err != nil || f != n.f {
			t.Errorf("ParseMaterialFlag(%q) = %v, %v", n.name, f, err)
		}
	}
}

func TestTranslation(t *testing.T) {
	tr := Translation(1, 2, 3)
	if tr[3] != 1 || tr[7] != 2 || tr[11] != 3 {
		t.Errorf("translation column = %v %v %v", tr[3], tr[7], tr[11])
	}
	if tr[0] != 1 || tr[5] != 1 || tr[10] != 1 {
		t.Error("rotation part is not identity")
	}
}

func TestAnyHas(t *testing.T) {
	m := MaterialDepthTest | MaterialDepthWrite
	if !m.Has(MaterialDepthTest | MaterialDepthWrite) {
		t.Error("Has both")
	}
	if m.Has(MaterialDepthTest | MaterialSkinned) {
		t.Error("Has must require all bits")
	}
	if !m.Any(MaterialSkinned | MaterialDepthWrite) {
		t.Error("Any should match one bit")
	}
}
