package docker

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"
)

// PullImage pulls an image by reference, blocking until the pull completes.
// auth, if non-empty, is the base64-encoded JSON registry auth payload.
func (c *Client) PullImage(ctx context.Context, ref string, auth string) error {
	resp, err := c.api.ImagePull(ctx, ref, client.ImagePullOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	return resp.Wait(ctx)
}

// ImageInspect reports whether ref is present locally and, if so, its image ID.
func (c *Client) ImageInspect(ctx context.Context, ref string) (bool, string, error) {
	resp, err := c.api.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return true, resp.ID, nil
}

// PruneImages removes locally pulled images not present in keep (keyed by
// reference, e.g. "ghcr.io/org/image:tag").
func (c *Client) PruneImages(ctx context.Context, keep map[string]bool) error {
	result, err := c.api.ImageList(ctx, client.ImageListOptions{All: false})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}

	for _, img := range result.Items {
		if imageIsKept(img.RepoTags, keep) {
			continue
		}
		if _, err := c.api.ImageRemove(ctx, img.ID, client.ImageRemoveOptions{PruneChildren: true}); err != nil {
			return fmt.Errorf("remove image %s: %w", img.ID, err)
		}
	}
	return nil
}

func imageIsKept(repoTags []string, keep map[string]bool) bool {
	if len(repoTags) == 0 {
		return false
	}
	for _, tag := range repoTags {
		if keep[tag] {
			return true
		}
	}
	return false
}
