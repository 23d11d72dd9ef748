package builder

import (
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// cloneAt shallow-clones cloneURL into dir and checks out commit, per
// spec.md §4.2 step 2. go-git avoids a hard dependency on a `git` binary
// on PATH (grounded on ia-eknorr/stoker-operator's direct go-git/v5 use).
func cloneAt(cloneURL, dir, commit string) error {
	repo, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL:   cloneURL,
		Depth: 1,
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", cloneURL, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}

	// A depth-1 clone of the default branch may not contain an arbitrary
	// pinned commit; if checkout fails, fetch it directly and retry.
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit)}); err != nil {
		if fetchErr := fetchCommit(repo, commit); fetchErr != nil {
			return fmt.Errorf("fetching commit %s: %w", commit, fetchErr)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit)}); err != nil {
			return fmt.Errorf("checking out %s: %w", commit, err)
		}
	}
	return nil
}

func fetchCommit(repo *git.Repository, commit string) error {
	return repo.Fetch(&git.FetchOptions{
		RefSpecs: []plumbing.RefSpec{plumbing.RefSpec(fmt.Sprintf("+%s:refs/kennel/%s", commit, commit))},
		Depth:    1,
	})
}
