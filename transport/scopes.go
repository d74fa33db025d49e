package transport

import (
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/gmail/v1"

	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
)

// DefaultScopes is the capability set requested at consent when the
// configuration does not name one. It covers every operation of Transport.
// Notice this also requires the Admin SDK, Drive and Gmail APIs to be enabled
// in the Cloud Console.
var DefaultScopes = []string{
	admin.AdminDirectoryUserScope,
	admin.AdminDirectoryGroupScope,
	admin.AdminDirectoryGroupMemberScope,
	admin.AdminDirectoryOrgunitScope,
	drive.DriveScope,
	gmail.GmailSendScope,
}

var (
	userRead    = []string{admin.AdminDirectoryUserReadonlyScope, admin.AdminDirectoryUserScope}
	userWrite   = []string{admin.AdminDirectoryUserScope}
	groupRead   = []string{admin.AdminDirectoryGroupReadonlyScope, admin.AdminDirectoryGroupScope}
	groupWrite  = []string{admin.AdminDirectoryGroupScope}
	memberRead  = []string{admin.AdminDirectoryGroupMemberReadonlyScope, admin.AdminDirectoryGroupMemberScope, admin.AdminDirectoryGroupReadonlyScope, admin.AdminDirectoryGroupScope}
	memberWrite = []string{admin.AdminDirectoryGroupMemberScope, admin.AdminDirectoryGroupScope}
	ouRead      = []string{admin.AdminDirectoryOrgunitReadonlyScope, admin.AdminDirectoryOrgunitScope}
	ouWrite     = []string{admin.AdminDirectoryOrgunitScope}
	driveRead   = []string{drive.DriveMetadataReadonlyScope, drive.DriveReadonlyScope, drive.DriveFileScope, drive.DriveScope}
	driveWrite  = []string{drive.DriveFileScope, drive.DriveScope}
	mailSend    = []string{gmail.GmailSendScope, gmail.GmailComposeScope, gmail.GmailModifyScope, gmail.MailGoogleComScope}
)

// requiredScopes lists, per operation, the scopes any one of which permits it.
var requiredScopes = map[string][]string{
	OpListUsers:         userRead,
	OpGetUser:           userRead,
	OpInsertUser:        userWrite,
	OpUpdateUser:        userWrite,
	OpDeleteUser:        userWrite,
	OpListGroups:        groupRead,
	OpGetGroup:          groupRead,
	OpInsertGroup:       groupWrite,
	OpDeleteGroup:       groupWrite,
	OpListGroupMembers:  memberRead,
	OpInsertGroupMember: memberWrite,
	OpDeleteGroupMember: memberWrite,
	OpListOrgUnits:      ouRead,
	OpInsertOrgUnit:     ouWrite,
	OpGetFile:           driveRead,
	OpListPermissions:   driveRead,
	OpInsertPermission:  driveWrite,
	OpUpdatePermission:  driveWrite,
	OpDeletePermission:  driveWrite,
	OpSendMessage:       mailSend,
}

// ScopeGate refuses operations outside a consented scope set.
type ScopeGate struct {
	granted directory.Set[string]
}

func NewScopeGate(granted []string) *ScopeGate {
	return &ScopeGate{granted: directory.MakeSet(granted)}
}

func (sg *ScopeGate) Allow(op string) error {
	var accepted = requiredScopes[op]
	for _, s := range accepted {
		if sg.granted.Has(s) {
			return nil
		}
	}
	if len(accepted) == 0 {
		return nil
	}
	return errdefs.ScopeNotGranted(accepted[len(accepted)-1])
}
