package env

import (
	"slices"
	"testing"
)

func TestMergeLayersAndExpands(t *testing.T) {
	e := FromList([]string{"REPO=ls-prime", "BRANCH=develop", "bad"})
	e.env = Var{"HOME": "/home/deploy"}

	got := e.Merge(
		[]string{"WORK=${HOME}/${REPO}", "BRANCH=main"},
		[]string{"GRADLE_OPTS=-Dorg.gradle.daemon=false", "MISSING=${NOPE}x"},
	)
	want := []string{
		"BRANCH=main",
		"GRADLE_OPTS=-Dorg.gradle.daemon=false",
		"MISSING=x",
		"REPO=ls-prime",
		"WORK=/home/deploy/ls-prime",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("Merge = %v, want %v", got, want)
	}
}

func TestMergeEmpty(t *testing.T) {
	if got := New().Merge(nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	base := FromList([]string{"A=1"})
	c := base.WithSet("B", "2")
	if _, ok := base.Var["B"]; ok {
		t.Fatal("WithSet mutated the receiver")
	}
	if c.Var["A"] != "1" || c.Var["B"] != "2" {
		t.Fatalf("copy = %v", c.Var)
	}
	c.Unset("A")
	if base.Var["A"] != "1" {
		t.Fatal("Unset on copy mutated the receiver")
	}
}

func TestExpandIsSinglePass(t *testing.T) {
	e := FromList([]string{"A=${B}", "B=${A}"})
	e.env = Var{}
	got := e.Merge()
	if !slices.Equal(got, []string{"A=${A}", "B=${B}"}) {
		t.Fatalf("Merge = %v", got)
	}
}
