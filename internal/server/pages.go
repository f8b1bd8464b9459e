package server

import "html/template"

const pageStyle = `
html, body { margin:0; padding:0; height:100%; font-family: sans-serif; }
body {
  background: radial-gradient(circle at top, #1500ff 0%, #000000 55%, #000000 100%);
  display:flex; align-items:center; justify-content:center; color:#ffffff;
}
.card {
  background: rgba(0,0,0,0.85); border-radius: 16px;
  box-shadow: 0 0 24px rgba(21,0,255,0.45); text-align:center; box-sizing:border-box;
}
.title { margin: 0; color:#1500ff; letter-spacing: 0.06em; }
.subtitle { color:#cccccc; }
.hint { color:#bbbbbb; }
.btn {
  border:none; border-radius:999px; background:#1500ff; color:#ffffff; cursor:pointer;
  box-shadow:0 0 14px rgba(21,0,255,0.6);
  transition: background 0.2s, box-shadow 0.2s, transform 0.1s;
}
.btn:hover { background:#2a26ff; box-shadow:0 0 20px rgba(42,38,255,0.9); }
.btn:active { transform:scale(0.97); box-shadow:0 0 10px rgba(21,0,255,0.7); }
`

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset='utf-8'>
<title>StreamScreen Login</title>
<meta name='viewport' content='width=device-width, initial-scale=1.0'>
<style>` + pageStyle + `
.card { padding: 32px 28px; max-width: 360px; width: 90%; }
.title { font-size: 26px; margin-bottom: 8px; }
.subtitle { font-size: 13px; margin-bottom: 20px; }
label { display:block; margin-bottom:6px; font-size:14px; }
input[type=password] {
  width:100%; padding:10px 12px; border-radius:10px; border:1px solid #333;
  background:#050510; color:#ffffff; outline:none; box-sizing:border-box; font-size:14px;
}
input[type=password]:focus { border-color:#1500ff; background:#080820; box-shadow:0 0 10px rgba(21,0,255,0.7); }
.btn { margin-top:16px; padding:10px 24px; font-size:14px; }
.hint { margin-top:18px; font-size:12px; }
</style>
</head>
<body>
<div class='card'>
<h1 class='title'>StreamScreen</h1>
<div class='subtitle'>Secure LAN screen share</div>
<form method='POST' action='/view'>
<label for='pw'>Password</label>
<input id='pw' type='password' name='token' autocomplete='off' />
<input class='btn' type='submit' value='View' />
</form>
<div class='hint'>Enter the password configured on the sharing device.</div>
</div>
</body>
</html>
`))

type viewerData struct {
	Token          string
	PollIntervalMs int
}

var viewerPage = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset='utf-8'>
<title>StreamScreen Viewer</title>
<meta name='viewport' content='width=device-width, initial-scale=1.0'>
<style>` + pageStyle + `
.card { padding: 20px 20px 24px 20px; max-width: 1000px; width: 95vw; display:flex; flex-direction:column; }
.title { font-size: 22px; }
.subtitle { font-size: 12px; margin-top:4px; }
.top-row { display:flex; flex-direction:column; align-items:center; gap:6px; }
.btn { margin-top:10px; padding:6px 14px; font-size:12px; }
.viewer-box { background:#000000; border-radius:12px; box-shadow: 0 0 14px rgba(0,0,0,0.9); margin-top:12px; padding:8px; }
#screenImg {
  max-width:100%; max-height:70vh; width:100%; height:auto; display:block; margin:0 auto;
  background:#000; border-radius:8px; object-fit:contain;
}
#screenImg:fullscreen, #screenImg:-webkit-full-screen {
  width:100vw; height:100vh; max-width:none; max-height:none; border-radius:0; object-fit:contain; background:#000;
}
.hint { margin-top:10px; font-size:11px; }
body.fs-mode { background:#000000; }
body.fs-mode .card { background:transparent; box-shadow:none; border-radius:0; padding:0; max-width:none; width:100vw; height:100vh; }
body.fs-mode .viewer-box { margin:0; border-radius:0; box-shadow:none; padding:0; }
body.fs-mode .top-row, body.fs-mode .hint { display:none; }
</style>
</head>
<body>
<div class='card' id='viewerCard'>
<div class='top-row'>
<h1 class='title'>StreamScreen</h1>
<div class='subtitle'>Live screen over secure LAN</div>
<button class='btn' type='button' onclick='toggleFullscreen()'>&#x26F6; Fullscreen</button>
</div>
<div class='viewer-box'>
<img id='screenImg' src='/frame?token={{.Token}}&amp;t=0' alt='Screen stream' />
</div>
<div class='hint'>Tip: Use fullscreen for best view. If the image freezes, refresh the page.</div>
</div>
<script>
const token = {{.Token}};
const img = document.getElementById('screenImg');
setInterval(function(){
  img.src = '/frame?token=' + encodeURIComponent(token) + '&t=' + Date.now();
}, {{.PollIntervalMs}});
function toggleFullscreen(){
  if (!document.fullscreenElement && !document.webkitFullscreenElement) {
    if (img.requestFullscreen) img.requestFullscreen();
    else if (img.webkitRequestFullscreen) img.webkitRequestFullscreen();
  } else {
    if (document.exitFullscreen) document.exitFullscreen();
    else if (document.webkitExitFullscreen) document.webkitExitFullscreen();
  }
}
function onFsChange(){
  const fsElement = document.fullscreenElement || document.webkitFullscreenElement;
  if (fsElement) document.body.classList.add('fs-mode');
  else document.body.classList.remove('fs-mode');
}
document.addEventListener('fullscreenchange', onFsChange);
document.addEventListener('webkitfullscreenchange', onFsChange);
</script>
</body>
</html>
`))
