// Package validation checks request bodies against JSON Schemas before
// they are decoded into typed requests.
//
// The schemas for the /move endpoint and the websocket channel are built
// by MoveSchema; a Validator reports every failing field at once so the
// client can fix a request in one round trip:
//
//	v, err := validation.NewMoveValidator(32, false)
//	if err != nil {
//	    return err
//	}
//	if res := v.Validate(body); !res.Valid {
//	    for _, e := range res.Errors {
//	        log.Printf("%s: %s", e.Field, e.Message)
//	    }
//	}
package validation
