package storage

import (
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"unicode/utf8"

	"fieldlab-api/internal/models"
	"fieldlab-api/internal/sampleid"
)

const (
	MaxUsernameLength    = 64
	MaxFullNameLength    = 128
	MaxPostTitleLength   = 200
	MaxPostContentLength = 10000
)

func normalizeUserParams(params CreateUserParams) (CreateUserParams, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return CreateUserParams{}, fmt.Errorf("%w: username is required", ErrInvalid)
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return CreateUserParams{}, fmt.Errorf("%w: username exceeds %d characters", ErrInvalid, MaxUsernameLength)
	}
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" {
		return CreateUserParams{}, fmt.Errorf("%w: email is required", ErrInvalid)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return CreateUserParams{}, fmt.Errorf("%w: email %q is not a valid address", ErrInvalid, params.Email)
	}
	fullName := strings.TrimSpace(params.FullName)
	if utf8.RuneCountInString(fullName) > MaxFullNameLength {
		return CreateUserParams{}, fmt.Errorf("%w: fullName exceeds %d characters", ErrInvalid, MaxFullNameLength)
	}
	return CreateUserParams{Username: username, Email: email, FullName: fullName}, nil
}

func normalizePostParams(params CreatePostParams) (CreatePostParams, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return CreatePostParams{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if utf8.RuneCountInString(title) > MaxPostTitleLength {
		return CreatePostParams{}, fmt.Errorf("%w: title exceeds %d characters", ErrInvalid, MaxPostTitleLength)
	}
	if utf8.RuneCountInString(params.Content) > MaxPostContentLength {
		return CreatePostParams{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxPostContentLength)
	}
	return CreatePostParams{
		AuthorID: strings.TrimSpace(params.AuthorID),
		Title:    title,
		Content:  params.Content,
	}, nil
}

func validateSample(sample models.Sample) error {
	if strings.TrimSpace(sample.Identifier) == "" {
		return fmt.Errorf("%w: sample identifier is required", ErrInvalid)
	}
	if !sample.Type.Valid() {
		return fmt.Errorf("%w: unsupported sample type %q", ErrInvalid, sample.Type)
	}
	return nil
}

func sortUsers(users []models.User) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].RegisteredAt.Equal(users[j].RegisteredAt) {
			return users[i].RegisteredAt.Before(users[j].RegisteredAt)
		}
		return users[i].ID < users[j].ID
	})
}

func sortPosts(posts []models.Post) {
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.Before(posts[j].CreatedAt)
		}
		return posts[i].ID < posts[j].ID
	})
}

func sortSamples(samples []models.Sample) {
	sort.Slice(samples, func(i, j int) bool {
		if !samples[i].CreatedAt.Equal(samples[j].CreatedAt) {
			return samples[i].CreatedAt.Before(samples[j].CreatedAt)
		}
		return sampleid.Less(samples[i].Identifier, samples[j].Identifier)
	})
}
