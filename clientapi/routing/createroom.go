// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/synchrotron/clientapi/httputil"
	iutil "github.com/element-hq/synchrotron/internal/util"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/config"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

const (
	visibilityPublic  = "public"
	visibilityPrivate = "private"
)

// https://spec.matrix.org/v1.11/client-server-api/#post_matrixclientv3createroom
type createRoomRequest struct {
	Name            string          `json:"name"`
	Topic           string          `json:"topic"`
	Visibility      string          `json:"visibility"`
	Invite          []string        `json:"invite"`
	CreationContent json.RawMessage `json:"creation_content"`
}

// Validate implements the JSONRequest interface.
func (r createRoomRequest) Validate() *util.JSONResponse {
	switch r.Visibility {
	case "", visibilityPublic, visibilityPrivate:
	default:
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("visibility must be either 'public' or 'private'"),
		}
	}

	for _, userID := range r.Invite {
		if !iutil.ValidUserID(userID) {
			return &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.BadJSON("user id must be in the form @localpart:domain"),
			}
		}
	}

	if len(r.CreationContent) > 0 {
		if !gjson.ValidBytes(r.CreationContent) || !gjson.ParseBytes(r.CreationContent).IsObject() {
			return &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.BadJSON("malformed creation_content"),
			}
		}
	}
	return nil
}

// https://spec.matrix.org/v1.11/client-server-api/#post_matrixclientv3createroom
type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

// CreateRoom implements /createRoom. The room is built from plain appends:
// the create event, the creator's join, the join rules and then the
// optional name, topic and invites.
func CreateRoom(
	req *http.Request, device *userapi.Device,
	cfg *config.Synchrotron, rsAPI roomserverAPI.RoomserverInternalAPI,
) util.JSONResponse {
	var r createRoomRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	if resErr := r.Validate(); resErr != nil {
		return *resErr
	}

	createContent := []byte(`{}`)
	if len(r.CreationContent) > 0 {
		createContent = r.CreationContent
	}
	createContent, err := sjson.SetBytes(createContent, "creator", device.UserID)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("sjson.SetBytes failed")
		return internalServerError()
	}
	joinRule := rstypes.JoinRuleInvite
	if r.Visibility == visibilityPublic {
		joinRule = rstypes.JoinRulePublic
	}

	roomID := iutil.NewRoomID(cfg.Global.ServerName)
	events := []roomserverAPI.AppendRequest{
		stateRequest(roomID, device.UserID, rstypes.MRoomCreate, "", createContent),
		stateRequest(roomID, device.UserID, rstypes.MRoomMember, device.UserID, membershipContent(rstypes.Join, "")),
		stateRequest(roomID, device.UserID, rstypes.MRoomJoinRules, "", mustJSON(map[string]string{"join_rule": joinRule})),
	}
	if r.Name != "" {
		events = append(events, stateRequest(roomID, device.UserID, rstypes.MRoomName, "", mustJSON(map[string]string{"name": r.Name})))
	}
	if r.Topic != "" {
		events = append(events, stateRequest(roomID, device.UserID, rstypes.MRoomTopic, "", mustJSON(map[string]string{"topic": r.Topic})))
	}
	for _, invitee := range r.Invite {
		if invitee == device.UserID {
			continue
		}
		events = append(events, stateRequest(roomID, device.UserID, rstypes.MRoomMember, invitee, membershipContent(rstypes.Invite, "")))
	}

	for i := range events {
		if _, err = rsAPI.Append(req.Context(), &events[i]); err != nil {
			return httputil.RoomErrorResponse(req.Context(), err)
		}
	}

	util.GetLogger(req.Context()).WithFields(logrus.Fields{
		"room_id": roomID,
		"invites": len(r.Invite),
	}).Info("Created room")
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: createRoomResponse{RoomID: roomID},
	}
}

func stateRequest(roomID, sender, evType, stateKey string, content json.RawMessage) roomserverAPI.AppendRequest {
	return roomserverAPI.AppendRequest{
		RoomID:   roomID,
		Sender:   sender,
		Type:     evType,
		StateKey: &stateKey,
		Content:  content,
	}
}

func membershipContent(membership, reason string) json.RawMessage {
	content := map[string]string{"membership": membership}
	if reason != "" {
		content["reason"] = reason
	}
	return mustJSON(content)
}

// mustJSON marshals values that cannot fail to encode.
func mustJSON(v map[string]string) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
