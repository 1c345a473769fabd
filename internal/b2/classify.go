package b2

import (
	"errors"
	"net/http"
	"slices"
)

// Class is the recovery action a failure calls for.
type Class int

// Failure classes, from least to most specific recovery.
const (
	ClassPermanent Class = iota
	ClassTransient
	ClassAuthInvalid
	ClassCapabilityInvalid
	ClassProtocol
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassTransient:
		return "transient"
	case ClassAuthInvalid:
		return "auth_invalid"
	case ClassCapabilityInvalid:
		return "capability_invalid"
	case ClassProtocol:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Group buckets endpoints that share a classification table and a circuit
// breaker. Uploads go to per-pod URLs, downloads to the download host, and
// everything else to the account's API host.
type Group int

// Endpoint groups.
const (
	GroupAccount Group = iota
	GroupAPI
	GroupUpload
	GroupDownload
)

func (g Group) String() string {
	switch g {
	case GroupAccount:
		return "account"
	case GroupAPI:
		return "api"
	case GroupUpload:
		return "upload"
	case GroupDownload:
		return "download"
	default:
		return "unknown"
	}
}

// Endpoint names one protocol operation and the group whose failure table
// applies to it.
type Endpoint struct {
	Name  string
	Group Group
}

// Protocol endpoints.
var (
	EndpointAuthorizeAccount         = Endpoint{"b2_authorize_account", GroupAccount}
	EndpointListBuckets              = Endpoint{"b2_list_buckets", GroupAPI}
	EndpointCreateBucket             = Endpoint{"b2_create_bucket", GroupAPI}
	EndpointDeleteBucket             = Endpoint{"b2_delete_bucket", GroupAPI}
	EndpointGetUploadURL             = Endpoint{"b2_get_upload_url", GroupAPI}
	EndpointUploadFile               = Endpoint{"b2_upload_file", GroupUpload}
	EndpointGetFileInfo              = Endpoint{"b2_get_file_info", GroupAPI}
	EndpointListFileNames            = Endpoint{"b2_list_file_names", GroupAPI}
	EndpointListFileVersions         = Endpoint{"b2_list_file_versions", GroupAPI}
	EndpointHideFile                 = Endpoint{"b2_hide_file", GroupAPI}
	EndpointDeleteFileVersion        = Endpoint{"b2_delete_file_version", GroupAPI}
	EndpointCopyFile                 = Endpoint{"b2_copy_file", GroupAPI}
	EndpointStartLargeFile           = Endpoint{"b2_start_large_file", GroupAPI}
	EndpointGetUploadPartURL         = Endpoint{"b2_get_upload_part_url", GroupAPI}
	EndpointUploadPart               = Endpoint{"b2_upload_part", GroupUpload}
	EndpointListParts                = Endpoint{"b2_list_parts", GroupAPI}
	EndpointListUnfinishedLargeFiles = Endpoint{"b2_list_unfinished_large_files", GroupAPI}
	EndpointFinishLargeFile          = Endpoint{"b2_finish_large_file", GroupAPI}
	EndpointCancelLargeFile          = Endpoint{"b2_cancel_large_file", GroupAPI}
	EndpointGetDownloadAuthorization = Endpoint{"b2_get_download_authorization", GroupAPI}
	EndpointDownloadFileByID         = Endpoint{"b2_download_file_by_id", GroupDownload}
	EndpointDownloadFileByName       = Endpoint{"b2_download_file_by_name", GroupDownload}
)

// rule maps a status (and optionally a set of service codes) to a class.
// A nil codes slice matches any code.
type rule struct {
	status int
	codes  []string
	class  Class
}

var tokenCodes = []string{CodeBadAuthToken, CodeExpiredAuthToken}

// groupRules are consulted before defaultRules. The upload group differs
// from the api group because an upload token belongs to one upload URL, not
// to the account: a rejected token or a busy pod means "get another URL".
var groupRules = map[Group][]rule{
	GroupAccount: {
		{http.StatusUnauthorized, nil, ClassPermanent},
	},
	GroupAPI: {
		{http.StatusUnauthorized, tokenCodes, ClassAuthInvalid},
	},
	GroupUpload: {
		{http.StatusUnauthorized, tokenCodes, ClassCapabilityInvalid},
		{http.StatusServiceUnavailable, nil, ClassCapabilityInvalid},
	},
	GroupDownload: {
		{http.StatusUnauthorized, tokenCodes, ClassAuthInvalid},
	},
}

var defaultRules = []rule{
	{http.StatusRequestTimeout, nil, ClassTransient},
	{http.StatusTooManyRequests, nil, ClassTransient},
}

// Classify maps a failure returned by an operation on ep to its recovery
// class. Errors that did not come from the service or the transport (local
// validation, marshaling) are Permanent.
func Classify(ep Endpoint, err error) Class {
	if err == nil {
		return ClassPermanent
	}

	if errors.Is(err, ErrProtocol) {
		return ClassProtocol
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(ep.Group, apiErr)
	}

	var tErr *TransportError
	if errors.As(err, &tErr) {
		return ClassTransient
	}

	return ClassPermanent
}

func classifyAPIError(g Group, e *APIError) Class {
	if c, ok := matchRules(groupRules[g], e); ok {
		return c
	}

	if c, ok := matchRules(defaultRules, e); ok {
		return c
	}

	switch {
	case e.StatusCode >= http.StatusInternalServerError:
		return ClassTransient
	case e.StatusCode >= http.StatusBadRequest:
		return ClassPermanent
	default:
		// 1xx/3xx, or a 2xx that reached the error path.
		return ClassProtocol
	}
}

func matchRules(rules []rule, e *APIError) (Class, bool) {
	for _, r := range rules {
		if r.status != e.StatusCode {
			continue
		}

		if r.codes == nil || slices.Contains(r.codes, e.Code) {
			return r.class, true
		}
	}

	return ClassPermanent, false
}
