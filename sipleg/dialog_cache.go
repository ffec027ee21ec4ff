// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package sipleg

import (
	"errors"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

var DialogsServerCache = sync.Map{}

func MatchDialogServer(req *sip.Request) (*Leg, error) {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, errors.Join(err, sipgo.ErrDialogOutsideDialog)
	}

	val, ok := DialogsServerCache.Load(id)
	if !ok || val == nil {
		return nil, sipgo.ErrDialogDoesNotExists
	}

	return val.(*Leg), nil
}
