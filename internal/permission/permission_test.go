package permission

import "testing"

func TestAllCoversDefinedBits(t *testing.T) {
	t.Parallel()

	if All != 1<<41-1 {
		t.Errorf("All = %d, want %d", All, int64(1)<<41-1)
	}
	if ModerateMembers != 1<<40 {
		t.Errorf("highest bit = %d, want %d", ModerateMembers, int64(1)<<40)
	}
	if !All.HasRaw(ModerateMembers) || !All.HasRaw(CreateInstantInvite) {
		t.Error("All should contain every defined bit")
	}
}

func TestAdministratorWildcard(t *testing.T) {
	t.Parallel()

	perm := Administrator
	if !perm.Has(BanMembers) {
		t.Error("Administrator should satisfy any Has check")
	}
	if perm.HasRaw(BanMembers) {
		t.Error("HasRaw should not apply the wildcard")
	}
}

func TestAddRemove(t *testing.T) {
	t.Parallel()

	perm := ViewChannel.Add(SendMessages)
	if !perm.HasRaw(ViewChannel) || !perm.HasRaw(SendMessages) {
		t.Errorf("Add: perm = %d", perm)
	}
	perm = perm.Remove(SendMessages)
	if perm.HasRaw(SendMessages) {
		t.Errorf("Remove: SendMessages still set in %d", perm)
	}
	if !perm.HasRaw(ViewChannel) {
		t.Errorf("Remove: ViewChannel cleared in %d", perm)
	}
}

func TestApplyOverwrite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		base        Permission
		allow, deny Permission
		want        Permission
	}{
		{"deny clears", ViewChannel | SendMessages, 0, SendMessages, ViewChannel},
		{"allow grants", ViewChannel, SendMessages, 0, ViewChannel | SendMessages},
		{"allow wins over deny", ViewChannel, SendMessages, SendMessages, ViewChannel | SendMessages},
		{"empty is identity", ViewChannel | SendMessages, 0, 0, ViewChannel | SendMessages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.base.ApplyOverwrite(tt.allow, tt.deny); got != tt.want {
				t.Errorf("ApplyOverwrite(%d, %d) = %d, want %d", tt.allow, tt.deny, got, tt.want)
			}
		})
	}
}

func TestApplyOverwriteIdempotent(t *testing.T) {
	t.Parallel()

	base := ViewChannel | SendMessages | AddReactions
	allow, deny := EmbedLinks, AddReactions

	once := base.ApplyOverwrite(allow, deny)
	twice := once.ApplyOverwrite(allow, deny)
	if once != twice {
		t.Errorf("overwrite not idempotent: once = %d, twice = %d", once, twice)
	}
}

func TestNewEntry(t *testing.T) {
	t.Parallel()

	e := NewEntry(ViewChannel | SendMessages)
	if !e.CanView || !e.CanSend || e.CanManage {
		t.Errorf("entry flags = %+v", e)
	}

	admin := NewEntry(Administrator)
	if !admin.CanView || !admin.CanSend || !admin.CanManage {
		t.Errorf("administrator entry flags = %+v", admin)
	}
}
