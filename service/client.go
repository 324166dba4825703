/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

// Package service talks JSON-RPC 1.0 to the opsi configuration service.
// The daemon is the only consumer, so the client exposes exactly the
// calls the boot configuration pipeline needs and nothing else.
package service

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opsi-org/opsipxeconfd/log"
	"github.com/opsi-org/opsipxeconfd/version"
)

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultConnectAttempts = 3
	defaultConnectSpacing  = 5 * time.Second

	maxDataDrain = 1024 * 1024 * 4
)

const (
	methodBackendInfo       = `backend_info`
	methodBackendExit       = `backend_exit`
	methodLicensingInfo     = `backend_getLicensingInfo`
	methodClientToDepot     = `configState_getClientToDepotserver`
	methodHostGetObjects    = `host_getObjects`
	methodPocGetObjects     = `productOnClient_getObjects`
	methodPocUpdateObjects  = `productOnClient_updateObjects`
	methodPodGetObjects     = `productOnDepot_getObjects`
	methodProductGetObjects = `product_getObjects`
	methodPropertyValues    = `productPropertyState_getValues`
	methodConfigValues      = `configState_getValues`
)

type clientState int

const (
	stateNew clientState = iota
	stateConnected
	stateClosed
)

// Opts parameterizes a service client, only URL and Password are
// genuinely required.
type Opts struct {
	URL                string
	Username           string
	Password           string
	CACertFile         string
	InsecureSkipVerify bool
	ConnectAttempts    int
	ConnectSpacing     time.Duration
	RequestTimeout     time.Duration
	Logger             *log.Logger
}

type Client struct {
	mtx       sync.Mutex
	opts      Opts
	uri       *url.URL
	clnt      *http.Client
	lgr       *log.Logger
	userAgent string
	state     clientState
	reqID     uint64
}

// filter is the second positional parameter of the *_getObjects calls
type filter map[string]interface{}

// NewClient builds a client for the configuration service at opts.URL.
// No connection is attempted until Connect.
func NewClient(opts Opts) (*Client, error) {
	uri, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid service url %q: %w", opts.URL, err)
	}
	if uri.Scheme != `https` && uri.Scheme != `http` {
		return nil, fmt.Errorf("invalid service url scheme %q", uri.Scheme)
	}
	if uri.Path == `` {
		uri.Path = `/rpc`
	}
	tlsConfig := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.CACertFile != `` {
		pem, err := os.ReadFile(opts.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}
	//the opsi service hands out a session cookie after basic auth, keep it
	//so follow up calls do not burn another authentication round
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = defaultConnectAttempts
	}
	if opts.ConnectSpacing <= 0 {
		opts.ConnectSpacing = defaultConnectSpacing
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	lgr := opts.Logger
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	log.AddSecret(opts.Password)
	return &Client{
		opts: opts,
		uri:  uri,
		clnt: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:   tlsConfig,
				Proxy:             http.ProxyFromEnvironment,
				ForceAttemptHTTP2: true,
			},
			Jar:     jar,
			Timeout: opts.RequestTimeout,
		},
		lgr:       lgr,
		userAgent: `opsipxeconfd/` + version.GetVersion(),
	}, nil
}

// URL returns the service endpoint the client talks to.
func (c *Client) URL() string {
	return c.uri.String()
}

// Connected tells whether Connect succeeded and Disconnect has not been
// called yet.
func (c *Client) Connected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state == stateConnected
}

// Connect performs the initial handshake with the service, retrying
// transient failures up to Connect-Attempts times. Authentication and
// certificate errors end the attempts immediately, retrying those only
// gets accounts locked.
func (c *Client) Connect() (err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.state == stateConnected {
		return nil
	}
	for i := 1; i <= c.opts.ConnectAttempts; i++ {
		var info json.RawMessage
		if err = c.rpc(methodBackendInfo, nil, &info); err == nil {
			c.state = stateConnected
			c.lgr.Info("connected to configuration service", log.KV("url", c.uri.Redacted()))
			c.lgr.Debug("service backend info", log.KV("info", string(info)))
			return
		}
		if IsFatalConnectError(err) {
			c.lgr.Error("connect to configuration service failed", log.KVErr(err))
			return
		}
		c.lgr.Warn("configuration service not reachable",
			log.KV("attempt", i), log.KV("of", c.opts.ConnectAttempts), log.KVErr(err))
		if i < c.opts.ConnectAttempts {
			time.Sleep(c.opts.ConnectSpacing)
		}
	}
	return
}

// Disconnect says goodbye to the service and drops the session. The
// client is unusable afterwards.
func (c *Client) Disconnect() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.state == stateConnected {
		//best effort, the session times out server side anyway
		if err := c.rpc(methodBackendExit, nil, nil); err != nil {
			c.lgr.Debug("backend_exit failed", log.KVErr(err))
		}
	}
	c.state = stateClosed
	c.clnt.CloseIdleConnections()
	return nil
}

// LicensingInfo fetches the licensed module list.
func (c *Client) LicensingInfo() (li *LicensingInfo, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	li = &LicensingInfo{}
	err = c.call(methodLicensingInfo, nil, li)
	return
}

// Host fetches a single host object, ErrNotFound if the service does not
// know the id. The opsi host key comes along with the host and is
// registered with the log secret filter right here.
func (c *Client) Host(hostID string) (*Host, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var hosts []Host
	if err := c.call(methodHostGetObjects, []interface{}{[]string{}, filter{`id`: hostID}}, &hosts); err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("host %q: %w", hostID, ErrNotFound)
	}
	h := hosts[0]
	if h.OpsiHostKey != `` {
		log.AddSecret(h.OpsiHostKey)
	}
	return &h, nil
}

// ClientIDsForDepot lists the ids of all clients assigned to the given
// depot.
func (c *Client) ClientIDsForDepot(depotID string) ([]string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var ctds []ClientToDepot
	if err := c.call(methodClientToDepot, []interface{}{[]string{depotID}}, &ctds); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ctds))
	for _, ctd := range ctds {
		if ctd.ClientID != `` {
			ids = append(ids, ctd.ClientID)
		}
	}
	return ids, nil
}

// NetbootProductOnClients returns the netboot product states of the given
// clients, optionally narrowed to a set of action requests.
func (c *Client) NetbootProductOnClients(clientIDs, actionRequests []string) ([]ProductOnClient, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	f := filter{
		`productType`: ProductTypeNetboot,
		`clientId`:    clientIDs,
	}
	if len(actionRequests) > 0 {
		f[`actionRequest`] = actionRequests
	}
	var pocs []ProductOnClient
	if err := c.call(methodPocGetObjects, []interface{}{[]string{}, f}, &pocs); err != nil {
		return nil, err
	}
	return pocs, nil
}

// ProductOnClients returns the netboot states for one client and product,
// unfiltered by action request.
func (c *Client) ProductOnClients(clientID, productID string) ([]ProductOnClient, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var pocs []ProductOnClient
	f := filter{
		`productType`: ProductTypeNetboot,
		`clientId`:    clientID,
		`productId`:   productID,
	}
	if err := c.call(methodPocGetObjects, []interface{}{[]string{}, f}, &pocs); err != nil {
		return nil, err
	}
	return pocs, nil
}

// UpdateProductOnClient writes a changed product state back.
func (c *Client) UpdateProductOnClient(poc *ProductOnClient) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	poc.Type = `ProductOnClient`
	return c.call(methodPocUpdateObjects, []interface{}{[]ProductOnClient{*poc}}, nil)
}

// ProductOnDepot resolves which version of a product the depot carries,
// ErrNotFound if the product is not installed there.
func (c *Client) ProductOnDepot(depotID, productID string) (*ProductOnDepot, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var pods []ProductOnDepot
	f := filter{
		`productType`: ProductTypeNetboot,
		`productId`:   productID,
		`depotId`:     depotID,
	}
	if err := c.call(methodPodGetObjects, []interface{}{[]string{}, f}, &pods); err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, fmt.Errorf("product %q on depot %q: %w", productID, depotID, ErrNotFound)
	}
	return &pods[0], nil
}

// Product fetches the netboot product in the exact version.
func (c *Client) Product(productID, productVersion, packageVersion string) (*Product, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var prods []Product
	f := filter{
		`type`:           ProductTypeNetboot,
		`id`:             productID,
		`productVersion`: productVersion,
		`packageVersion`: packageVersion,
	}
	if err := c.call(methodProductGetObjects, []interface{}{[]string{}, f}, &prods); err != nil {
		return nil, err
	}
	if len(prods) == 0 {
		return nil, fmt.Errorf("product %s_%s-%s: %w", productID, productVersion, packageVersion, ErrNotFound)
	}
	return &prods[0], nil
}

// ProductPropertyValues returns the effective property values for the
// given products and objects, keyed by property id.
func (c *Client) ProductPropertyValues(productIDs, objectIDs []string) (map[string][]string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	vals := map[string][]string{}
	if err := c.call(methodPropertyValues, []interface{}{productIDs, objectIDs}, &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

// ConfigValues returns config states keyed by object id, then config id.
func (c *Client) ConfigValues(configIDs, objectIDs []string) (map[string]map[string][]string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	vals := map[string]map[string][]string{}
	if err := c.call(methodConfigValues, []interface{}{configIDs, objectIDs}, &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

// call guards rpc with the connection state, every public data accessor
// funnels through here.
func (c *Client) call(method string, params, result interface{}) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	return c.rpc(method, params, result)
}

func (c *Client) rpc(method string, params, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	c.reqID++
	body, err := json.Marshal(rpcRequest{ID: c.reqID, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.uri.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set(`Content-Type`, `application/json`)
	req.Header.Set(`User-Agent`, c.userAgent)
	req.SetBasicAuth(c.opts.Username, c.opts.Password)

	c.lgr.Debug("service call", log.KV("method", method))
	resp, err := c.clnt.Do(req)
	if err != nil {
		return err
	}
	defer drainResponse(resp)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w (%s)", ErrAuthFailed, resp.Status)
	}
	var rr rpcResponse
	if err = json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("bad response to %s (%s): %w", method, resp.Status, err)
	}
	if rr.Error != nil {
		return rr.Error.toError(method)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status %s on %s", resp.Status, method)
	}
	if result != nil && len(rr.Result) > 0 && !bytes.Equal(rr.Result, []byte(`null`)) {
		if err = json.Unmarshal(rr.Result, result); err != nil {
			return fmt.Errorf("bad result for %s: %w", method, err)
		}
	}
	return nil
}

type rpcRequest struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Message string `json:"message"`
	Class   string `json:"class"`
}

// the service emits either a bare string or a {class, message} object
func (re *rpcError) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &re.Message)
	}
	type alias rpcError
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*re = rpcError(a)
	return nil
}

func (re *rpcError) toError(method string) error {
	msg := re.Message
	if msg == `` {
		msg = re.Class
	}
	switch {
	case strings.Contains(re.Class, `MissingData`):
		return fmt.Errorf("%s: %s: %w", method, msg, ErrNotFound)
	case strings.Contains(re.Class, `Authentication`), strings.Contains(re.Class, `Permission`):
		return fmt.Errorf("%s: %s: %w", method, msg, ErrAuthFailed)
	}
	return fmt.Errorf("%s failed: %s", method, msg)
}

// drainResponse will drain up to 4MB of data then close the response Body.
// We do this so that http requests can re-use connections as per docs.
func drainResponse(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	var nw nilWriter
	io.Copy(&nw, resp.Body)
	resp.Body.Close()
}

type nilWriter struct {
	n int
}

func (nw *nilWriter) Write(b []byte) (r int, err error) {
	if nw.n > maxDataDrain {
		r = -1
		err = errors.New("too many response bytes in body, closing")
		return
	}
	nw.n += len(b)
	r = len(b)
	return
}
