package conversation

import (
	"strings"
	"testing"
)

func TestForestCreateAndLookup(t *testing.T) {
	f := NewForest(15)
	root := f.CreateRoot("Reptiles")
	got, err := f.Get(root.ID())
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if got.Title() != "Reptiles" {
		t.Fatalf("title = %q", got.Title())
	}
	if _, err := f.Get("missing"); err != ErrNotFound {
		t.Fatalf("missing lookup: got %v", err)
	}
}

func TestForestCreateChildRequiresParent(t *testing.T) {
	f := NewForest(15)
	if _, err := f.CreateChild("nope", "child", nil); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestChildInheritsNoBufferContent(t *testing.T) {
	f := NewForest(15)
	root := f.CreateRoot("Snakes")
	if _, _, err := root.Append(RoleUser, "how do I handle a wild python snake?"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := root.Append(RoleAssistant, "keep your distance from the reptile"); err != nil {
		t.Fatal(err)
	}

	child, err := f.CreateChild(root.ID(), "", &FollowUp{
		SelectedText:    "python",
		FollowUpContext: "I mean the programming language",
		ContextType:     ContextFollowUp,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(child.Recent(0)) != 0 {
		t.Fatal("child buffer must start empty")
	}
	if child.Summary() != "" {
		t.Fatal("child summary must start empty")
	}
	prompt := child.EnhancedFollowUpPrompt()
	if !strings.Contains(prompt, "python") || !strings.Contains(prompt, "programming language") {
		t.Fatalf("follow-up prompt missing fragments: %q", prompt)
	}
	if strings.Contains(prompt, "snake") || strings.Contains(prompt, "reptile") {
		t.Fatalf("follow-up prompt leaked parent buffer content: %q", prompt)
	}
}

func TestFollowUpPromptNilWithoutRecord(t *testing.T) {
	f := NewForest(15)
	root := f.CreateRoot("r")
	if p := root.EnhancedFollowUpPrompt(); p != "" {
		t.Fatalf("root has follow-up prompt %q", p)
	}
}

func TestForestDeleteCascades(t *testing.T) {
	f := NewForest(15)
	root := f.CreateRoot("root")
	child, _ := f.CreateChild(root.ID(), "child", nil)
	grandchild, _ := f.CreateChild(child.ID(), "grandchild", nil)

	if err := f.Delete(child.ID()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{child.ID(), grandchild.ID()} {
		if _, err := f.Get(id); err != ErrNotFound {
			t.Fatalf("node %s survived subtree delete", id)
		}
	}
	if _, err := f.Get(root.ID()); err != nil {
		t.Fatal("root must survive child delete")
	}
	if len(root.ChildIDs()) != 0 {
		t.Fatalf("root still lists deleted child: %v", root.ChildIDs())
	}
}

func TestForestPathTitles(t *testing.T) {
	f := NewForest(15)
	root := f.CreateRoot("a")
	child, _ := f.CreateChild(root.ID(), "b", nil)
	grandchild, _ := f.CreateChild(child.ID(), "c", nil)

	titles, err := f.PathTitles(grandchild.ID())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if len(titles) != len(want) {
		t.Fatalf("titles = %v", titles)
	}
	for i := range want {
		if titles[i] != want[i] {
			t.Fatalf("titles = %v, want %v", titles, want)
		}
	}
}

func TestForestActiveNode(t *testing.T) {
	f := NewForest(15)
	root := f.CreateRoot("r")
	if err := f.SetActive(root.ID()); err != nil {
		t.Fatal(err)
	}
	if f.Active() == nil || f.Active().ID() != root.ID() {
		t.Fatal("active node mismatch")
	}
	if err := f.SetActive("missing"); err != ErrNotFound {
		t.Fatalf("got %v", err)
	}
	if err := f.Delete(root.ID()); err != nil {
		t.Fatal(err)
	}
	if f.Active() != nil {
		t.Fatal("active node must clear on delete")
	}
}

func TestDefaultTitle(t *testing.T) {
	f := NewForest(15)
	node := f.CreateRoot("")
	if node.Title() != DefaultTitle {
		t.Fatalf("title = %q", node.Title())
	}
	if !node.HasDefaultTitle() {
		t.Fatal("expected default title")
	}
	node.SetTitle("Python Basics")
	if node.HasDefaultTitle() {
		t.Fatal("title should no longer be default")
	}
}
