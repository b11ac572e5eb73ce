package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	grpcclient "messaging-core/internal/grpc"
	"messaging-core/internal/models"
)

type ProfileLookupMock struct {
	mock.Mock
}

func (m *ProfileLookupMock) BulkProfiles(ctx context.Context, ids []string) (map[string]grpcclient.Profile, error) {
	args := m.Called(ctx, ids)
	var profiles map[string]grpcclient.Profile
	if val := args.Get(0); val != nil {
		profiles = val.(map[string]grpcclient.Profile)
	}
	return profiles, args.Error(1)
}

type UnreadCounterMock struct {
	mock.Mock
}

func (m *UnreadCounterMock) UnreadCountByDomain(ctx context.Context, userID string) (map[models.Domain]int, error) {
	args := m.Called(ctx, userID)
	var counts map[models.Domain]int
	if val := args.Get(0); val != nil {
		counts = val.(map[models.Domain]int)
	}
	return counts, args.Error(1)
}
