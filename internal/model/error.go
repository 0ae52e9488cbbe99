package model

import "errors"

var ErrorNoRecipients = errors.New("no recipients")
var ErrorInvalidRecipient = errors.New("invalid recipient")
var ErrorNotARecipient = errors.New("not a recipient")
var ErrorItemNotFound = errors.New("item not found")
var ErrorActorNotFound = errors.New("actor not found")
var ErrorInvalidActivity = errors.New("invalid activity")
