package ssokit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RoleDecision is the outcome of mapping group memberships onto one role.
type RoleDecision struct {
	Role    string
	Matched bool
	GroupID string
}

// RoleAssigner resolves the role for a subject from directory group
// membership.
type RoleAssigner interface {
	MapRole(ctx context.Context, subjectID string, tenantID string) (RoleDecision, error)
}

// RoleMapper converts group membership into a single local role. The group
// map is iterated in configured order and the first group the subject
// belongs to wins. A directory failure is never conflated with membership in
// no groups.
type RoleMapper struct {
	directory DirectoryClient
	settings  ProviderSettings
	logger    *zap.Logger
}

// NewRoleMapper constructs a RoleMapper over the configured group map.
func NewRoleMapper(settings ProviderSettings, directory DirectoryClient, logger *zap.Logger) *RoleMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleMapper{
		directory: directory,
		settings:  settings,
		logger:    logger,
	}
}

// MapRole queries membership among exactly the configured groups and applies
// first-match-wins. No match yields the default role, or ErrNoMatchingGroup
// under the require-group policy.
func (mapper *RoleMapper) MapRole(ctx context.Context, subjectID string, tenantID string) (RoleDecision, error) {
	candidateGroups := mapper.settings.GroupIDs()

	memberships := map[string]bool{}
	if len(candidateGroups) > 0 {
		memberOf, queryErr := mapper.directory.CheckMemberGroups(ctx, subjectID, candidateGroups, tenantID)
		if queryErr != nil {
			return RoleDecision{}, queryErr
		}
		for _, groupID := range memberOf {
			memberships[groupID] = true
		}
	}

	for _, pair := range mapper.settings.GroupRoleMap {
		if memberships[pair.GroupID] {
			return RoleDecision{Role: pair.Role, Matched: true, GroupID: pair.GroupID}, nil
		}
	}

	if mapper.settings.RequireGroupRole {
		return RoleDecision{}, fmt.Errorf("%w: subject %s", ErrNoMatchingGroup, subjectID)
	}

	mapper.logger.Debug("no configured group matched, using default role",
		zap.String("code", "rolemap.default_role"),
		zap.String("role", mapper.settings.DefaultRole))
	return RoleDecision{Role: mapper.settings.DefaultRole}, nil
}
