// Package client is the Go client for the trustd operational API.
//
// It covers the audit ledger (tree head, event lookup, search and
// verification), entity trust state, alerts and engine configuration:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.VerifyEvent(ctx, eventID)
//	fmt.Println(res.Valid, res.Reason)
//
// Write operations need an admin token carrying the trust:admin scope:
//
//	c, _ := client.New(baseURL, client.WithBearerToken(token))
//	out, err := c.RecordAction(ctx, governance.Action{...})
package client
